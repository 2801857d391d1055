// ABOUTME: Tests for the websocket connection wrapper
// ABOUTME: Runs real gorilla connections over httptest servers

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wallboard-gateway/internal/notify"
)

// serve starts a server that wraps each upgrade in a Conn and hands it to onConn
// before serving frames with handle.
func serve(t *testing.T, opts Options, onConn func(*Conn), handle Handler) string {
	t.Helper()
	upgrader := NewUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(ws, opts, nil)
		if onConn != nil {
			onConn(c)
		}
		c.Serve(r.Context(), handle)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestConn_SendWritesJSONFrame(t *testing.T) {
	conns := make(chan *Conn, 1)
	url := serve(t, Options{}, func(c *Conn) { conns <- c }, func(context.Context, []byte) {})
	client := dial(t, url)

	c := <-conns
	require.True(t, c.Send(notify.New(notify.EventAgentConnected, notify.AgentConnected{AgentCode: "AG001"})))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, notify.EventAgentConnected, got.Event)
	assert.Equal(t, "AG001", got.Data["agentCode"])
}

func TestConn_InboundFramesInOrder(t *testing.T) {
	var mu sync.Mutex
	var frames []string
	done := make(chan struct{})

	url := serve(t, Options{}, nil, func(_ context.Context, frame []byte) {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, string(frame))
		if len(frames) == 3 {
			close(done)
		}
	})
	client := dial(t, url)

	for _, f := range []string{"one", "two", "three"} {
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frames")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, frames)
}

func TestConn_CloseSendsReason(t *testing.T) {
	conns := make(chan *Conn, 1)
	url := serve(t, Options{}, func(c *Conn) { conns <- c }, func(context.Context, []byte) {})
	client := dial(t, url)

	c := <-conns
	require.NoError(t, c.Close("superseded"))
	assert.False(t, c.IsOpen())
	assert.Equal(t, "superseded", c.CloseReason())
	assert.False(t, c.Send(notify.New(notify.EventStatusUpdated, nil)))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, "superseded", closeErr.Text)

	// second close is a no-op
	assert.NoError(t, c.Close("again"))
	assert.Equal(t, "superseded", c.CloseReason())
}

func TestConn_PeerGoneEndsServe(t *testing.T) {
	conns := make(chan *Conn, 1)
	served := make(chan struct{})
	upgrader := NewUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := NewConn(ws, Options{}, nil)
		conns <- c
		c.Serve(r.Context(), func(context.Context, []byte) {})
		close(served)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	c := <-conns
	client.Close()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after peer closed")
	}
	assert.False(t, c.IsOpen())
}

func TestConn_FullBufferDrops(t *testing.T) {
	conns := make(chan *Conn, 1)
	block := make(chan struct{})
	upgrader := NewUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// no Serve: nothing drains the queue
		conns <- NewConn(ws, Options{SendBuffer: 1}, nil)
		<-block
	}))
	defer srv.Close()
	defer close(block)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	c := <-conns
	assert.True(t, c.Send(notify.New("a", nil)))
	assert.False(t, c.Send(notify.New("b", nil)))
	assert.True(t, c.IsOpen(), "a drop does not close the connection")
}

func TestNewUpgrader_Origins(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no list allows all", nil, "http://evil.example", true},
		{"wildcard", []string{"*"}, "http://evil.example", true},
		{"listed", []string{"http://wallboard.local:3000/"}, "http://wallboard.local:3000", true},
		{"unlisted", []string{"http://wallboard.local:3000"}, "http://evil.example", false},
		{"no origin header", []string{"http://wallboard.local:3000"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, NewUpgrader(tt.allowed).CheckOrigin(r))
		})
	}
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultOptions(), o)
	assert.Less(t, o.pingPeriod(), o.PongWait)
}

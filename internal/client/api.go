// ABOUTME: HTTP client for the gateway's REST API and health endpoints
// ABOUTME: Used by the wallboard-gateway admin commands and fake-agent

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/wallboard-gateway/internal/messaging"
	"github.com/2389/wallboard-gateway/internal/notify"
)

// APIError is an error envelope returned by the REST API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("HTTP %d: %s (%s: %s)", e.StatusCode, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s (%s)", e.StatusCode, e.Code, e.Message)
}

type LiveAgents struct {
	Count  int                  `json:"count"`
	Agents []notify.OnlineAgent `json:"agents"`
}

type StatusEntry struct {
	ID        string    `json:"id,omitempty"`
	AgentCode string    `json:"agentCode"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	TeamID    *int      `json:"teamId,omitempty"`
}

type StatusHistory struct {
	AgentCode string        `json:"agentCode"`
	Count     int           `json:"count"`
	History   []StatusEntry `json:"history"`
}

type MessageEntry struct {
	MessageID string     `json:"messageId"`
	FromCode  string     `json:"fromCode"`
	ToCode    string     `json:"toCode,omitempty"`
	ToTeamID  *int       `json:"toTeamId,omitempty"`
	Type      string     `json:"type"`
	Content   string     `json:"content"`
	Priority  string     `json:"priority"`
	Timestamp time.Time  `json:"timestamp"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

type MessageHistory struct {
	AgentCode string         `json:"agentCode"`
	Count     int            `json:"count"`
	Messages  []MessageEntry `json:"messages"`
}

type TeamMember struct {
	AgentCode  string    `json:"agentCode"`
	TeamID     int       `json:"teamId"`
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"lastUpdate"`
	Online     bool      `json:"online"`
}

type TeamView struct {
	TeamID int          `json:"teamId"`
	Count  int          `json:"count"`
	Agents []TeamMember `json:"agents"`
}

// Health is the body of GET /health.
type Health struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"`
	Memory    struct {
		Used  string `json:"used"`
		Total string `json:"total"`
		RSS   string `json:"rss,omitempty"`
	} `json:"memory"`
	Connections struct {
		Agents      int `json:"agents"`
		Supervisors int `json:"supervisors"`
	} `json:"connections"`
}

// API talks to the gateway over HTTP.
type API struct {
	baseURL string
	http    *http.Client
}

// NewAPI creates an API client for baseURL, e.g. http://localhost:3001. A
// bare host:port is accepted too.
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Health fetches /health. A non-200 answer is an error.
func (a *API) Health(ctx context.Context) (*Health, error) {
	resp, err := a.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decoding health: %w", err)
	}
	return &h, nil
}

// Ready fetches /health/ready and returns its text and whether it was 200.
func (a *API) Ready(ctx context.Context) (string, bool, error) {
	resp, err := a.do(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("reading response: %w", err)
	}
	return string(body), resp.StatusCode == http.StatusOK, nil
}

func (a *API) LiveAgents(ctx context.Context) (*LiveAgents, error) {
	var out LiveAgents
	if err := a.call(ctx, http.MethodGet, "/api/agents/live", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TeamView returns every agent of a team with its latest status.
func (a *API) TeamView(ctx context.Context, teamID int) (*TeamView, error) {
	var out TeamView
	if err := a.call(ctx, http.MethodGet, "/api/agents/team/"+strconv.Itoa(teamID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusHistory returns an agent's status records, newest first. A limit of
// zero uses the server default.
func (a *API) StatusHistory(ctx context.Context, agentCode string, limit int) (*StatusHistory, error) {
	path := "/api/agents/" + url.PathEscape(agentCode) + "/history" + limitQuery(url.Values{}, limit)
	var out StatusHistory
	if err := a.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MessageHistory returns messages for an agent, including broadcasts to
// teamID when it is not nil.
func (a *API) MessageHistory(ctx context.Context, agentCode string, teamID *int, limit int) (*MessageHistory, error) {
	q := url.Values{}
	if teamID != nil {
		q.Set("teamId", strconv.Itoa(*teamID))
	}
	path := "/api/messages/agent/" + url.PathEscape(agentCode) + limitQuery(q, limit)
	var out MessageHistory
	if err := a.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UpdateStatus(ctx context.Context, agentCode, status string) (*StatusEntry, error) {
	var out StatusEntry
	body := map[string]string{"status": status}
	if err := a.call(ctx, http.MethodPut, "/api/agents/"+url.PathEscape(agentCode)+"/status", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) SendMessage(ctx context.Context, req messaging.Request) (*MessageEntry, error) {
	var out MessageEntry
	if err := a.call(ctx, http.MethodPost, "/api/messages/send", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) MarkRead(ctx context.Context, messageID string) (*MessageEntry, error) {
	var out MessageEntry
	if err := a.call(ctx, http.MethodPut, "/api/messages/"+url.PathEscape(messageID)+"/read", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func limitQuery(q url.Values, limit int) string {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// call performs a request and unwraps the {success, data, error} envelope.
func (a *API) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := a.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *notify.Error   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding %s %s response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if !env.Success {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code, apiErr.Message, apiErr.Field = env.Error.Code, env.Error.Message, env.Error.Field
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding %s %s data: %w", method, path, err)
		}
	}
	return nil
}

func (a *API) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// ABOUTME: Simulated wallboard participant for manual end-to-end runs against a gateway
// ABOUTME: Usage: fake-agent [-url ws://localhost:3001/ws] [-role agent|supervisor] [-code AG001]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/wallboard-gateway/internal/client"
	"github.com/2389/wallboard-gateway/internal/messaging"
	"github.com/2389/wallboard-gateway/internal/notify"
	"github.com/2389/wallboard-gateway/internal/store"
)

var (
	gray   = color.New(color.FgHiBlack)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
)

func main() {
	_ = godotenv.Load()

	url := flag.String("url", envOr("WALLBOARD_WS_URL", "ws://localhost:3001/ws"), "gateway websocket URL")
	role := flag.String("role", "agent", "participant role: agent or supervisor")
	code := flag.String("code", "", "participant code (default AG001 or SV001)")
	interval := flag.Duration("interval", 15*time.Second, "agent: how often to change status; 0 disables")
	team := flag.Int("team", 0, "supervisor: broadcast a greeting to this team on connect")
	flag.Parse()

	if *code == "" {
		*code = "AG001"
		if *role == "supervisor" {
			*code = "SV001"
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *url, *role, *code, *interval, *team); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, url, role, code string, interval time.Duration, team int) error {
	conn, err := client.Dial(ctx, url, client.Options{})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	hctx, hcancel := context.WithTimeout(ctx, 10*time.Second)
	defer hcancel()

	switch role {
	case "agent":
		ack, err := conn.ConnectAgent(hctx, code)
		if err != nil {
			return fmt.Errorf("agent_connect: %w", err)
		}
		green.Printf("=== AGENT %s CONNECTED ===\n", ack.AgentCode)
	case "supervisor":
		ack, err := conn.ConnectSupervisor(hctx, code)
		if err != nil {
			return fmt.Errorf("supervisor_connect: %w", err)
		}
		green.Printf("=== SUPERVISOR %s CONNECTED ===\n", ack.SupervisorCode)
		fmt.Printf("%d agents online\n", len(ack.OnlineAgents))
		for _, a := range ack.OnlineAgents {
			fmt.Printf("  %-10s %s\n", a.AgentCode, a.Status)
		}
		if team > 0 {
			if err := conn.Emit(notify.EventSendMessage, messaging.Request{
				FromCode: code,
				ToTeamID: messaging.Team(team),
				Type:     string(store.MessageTypeBroadcast),
				Content:  "Supervisor " + code + " is on the floor",
			}); err != nil {
				return fmt.Errorf("send_message: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	var tick <-chan time.Time
	if role == "agent" && interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			next := store.Statuses[rand.IntN(len(store.Statuses))]
			if err := conn.Emit(notify.EventUpdateStatus, map[string]string{"agentCode": code, "status": string(next)}); err != nil {
				return fmt.Errorf("update_status: %w", err)
			}
		case ev, ok := <-conn.Events():
			if !ok {
				if reason := conn.CloseReason(); reason != "" {
					yellow.Printf("connection closed by gateway: %s\n", reason)
				}
				return nil
			}
			if err := handle(conn, role, ev); err != nil {
				return err
			}
		}
	}
}

func handle(conn *client.Conn, role string, ev client.Event) error {
	ts := gray.Sprint(ev.ReceivedAt.Format("15:04:05"))

	switch ev.Event {
	case notify.EventAgentConnected:
		var p notify.AgentConnected
		_ = ev.Decode(&p)
		fmt.Printf("%s %s %s\n", ts, green.Sprint("+"), p.AgentCode)

	case notify.EventAgentDisconnected:
		var p notify.AgentDisconnected
		_ = ev.Decode(&p)
		fmt.Printf("%s %s %s (%s)\n", ts, red.Sprint("-"), p.AgentCode, p.Reason)

	case notify.EventAgentStatusUpdate, notify.EventStatusUpdated:
		var p notify.StatusChange
		_ = ev.Decode(&p)
		fmt.Printf("%s %s is %s\n", ts, p.AgentCode, cyan.Sprint(p.Status))

	case notify.EventNewMessage:
		var p notify.NewMessage
		_ = ev.Decode(&p)
		fmt.Printf("%s %s %s: %s\n", ts, yellow.Sprintf("[%s]", p.Priority), p.FromCode, p.Content)
		if role == "agent" {
			return conn.Emit(notify.EventMarkRead, map[string]string{"messageId": p.MessageID})
		}

	case notify.EventMessageSent:
		var p notify.MessageSent
		_ = ev.Decode(&p)
		fmt.Printf("%s message %s %s\n", ts, p.MessageID, p.Status)

	case notify.EventMessageRead:
		// acknowledgement of our own mark_read

	case notify.EventConnectionError, notify.EventStatusError, notify.EventMessageError:
		var p notify.Error
		_ = ev.Decode(&p)
		red.Printf("%s %s: %s %s\n", ev.ReceivedAt.Format("15:04:05"), ev.Event, p.Code, p.Message)

	default:
		gray.Printf("%s %s %s\n", ev.ReceivedAt.Format("15:04:05"), ev.Event, string(ev.Data))
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ABOUTME: Admin subcommands: init, health, agents, history and team assignment
// ABOUTME: Talks to a running gateway over its REST API, or to the store for team changes

package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/2389/wallboard-gateway/internal/client"
	"github.com/2389/wallboard-gateway/internal/config"
	"github.com/2389/wallboard-gateway/internal/registry"
	"github.com/2389/wallboard-gateway/internal/store"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// apiClient points at the configured HTTP address. A wildcard listen host is
// reached through loopback.
func apiClient(cfg *config.Config) *client.API {
	addr := cfg.Server.HTTPAddr
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			addr = net.JoinHostPort("127.0.0.1", port)
		}
	}
	return client.NewAPI(addr, nil)
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	h, err := apiClient(cfg).Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	uptime := time.Duration(h.Uptime * float64(time.Second)).Round(time.Second)
	fmt.Printf("healthy (up %s, %d agents, %d supervisors, heap %s/%s)\n",
		uptime, h.Connections.Agents, h.Connections.Supervisors, h.Memory.Used, h.Memory.Total)
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	live, err := apiClient(cfg).LiveAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if live.Count == 0 {
		fmt.Println("no agents connected")
		return nil
	}

	table := newTable([]string{"Agent", "Status", "Since"})
	for _, a := range live.Agents {
		table.Append([]string{a.AgentCode, colorStatus(a.Status), a.Timestamp.Local().Format(time.DateTime)})
	}
	table.Render()
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: history status CODE [LIMIT] | history messages CODE [TEAM_ID]")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	api := apiClient(cfg)
	code := args[1]

	switch args[0] {
	case "status":
		limit := 0
		if len(args) > 2 {
			if limit, err = strconv.Atoi(args[2]); err != nil {
				return fmt.Errorf("invalid limit %q", args[2])
			}
		}
		hist, err := api.StatusHistory(ctx, code, limit)
		if err != nil {
			return fmt.Errorf("fetching status history: %w", err)
		}
		table := newTable([]string{"Time", "Status", "Team"})
		for _, e := range hist.History {
			table.Append([]string{e.Timestamp.Local().Format(time.DateTime), colorStatus(e.Status), teamString(e.TeamID)})
		}
		table.Render()

	case "messages":
		var team *int
		if len(args) > 2 {
			id, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid team id %q", args[2])
			}
			team = &id
		}
		hist, err := api.MessageHistory(ctx, code, team, 0)
		if err != nil {
			return fmt.Errorf("fetching messages: %w", err)
		}
		table := newTable([]string{"Time", "From", "To", "Priority", "Read", "Content"})
		for _, m := range hist.Messages {
			to := m.ToCode
			if m.Type == string(store.MessageTypeBroadcast) {
				to = "team " + teamString(m.ToTeamID)
			}
			read := ""
			if m.IsRead {
				read = "✓"
			}
			table.Append([]string{m.Timestamp.Local().Format(time.DateTime), m.FromCode, to, m.Priority, read, m.Content})
		}
		table.Render()

	default:
		return fmt.Errorf("unknown history kind %q (want status or messages)", args[0])
	}
	return nil
}

func runTeam(ctx context.Context, args []string) error {
	const usage = "usage: team show TEAM_ID | team set CODE TEAM_ID"
	switch {
	case len(args) == 2 && args[0] == "show":
		return runTeamShow(ctx, args[1])
	case len(args) == 3 && args[0] == "set":
		return runTeamSet(ctx, args[1:])
	default:
		return fmt.Errorf(usage)
	}
}

func runTeamShow(ctx context.Context, rawID string) error {
	teamID, err := strconv.Atoi(rawID)
	if err != nil {
		return fmt.Errorf("invalid team id %q", rawID)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	view, err := apiClient(cfg).TeamView(ctx, teamID)
	if err != nil {
		return fmt.Errorf("fetching team: %w", err)
	}
	if view.Count == 0 {
		fmt.Printf("no agents in team %d\n", teamID)
		return nil
	}

	table := newTable([]string{"Agent", "Status", "Online", "Since"})
	for _, a := range view.Agents {
		online := ""
		if a.Online {
			online = "✓"
		}
		table.Append([]string{a.AgentCode, colorStatus(a.Status), online, a.LastUpdate.Local().Format(time.DateTime)})
	}
	table.Render()
	return nil
}

// runTeamSet writes the agent profile directly, so the gateway need not be running.
func runTeamSet(ctx context.Context, args []string) error {
	code := registry.NormalizeCode(args[0])
	if code == "" {
		return fmt.Errorf("agent code is required")
	}
	teamID, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid team id %q", args[1])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver == store.DriverMemory {
		return fmt.Errorf("team assignment needs a persistent database driver")
	}

	s, err := store.Open(ctx, store.Options{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN,
		MinConns: cfg.Database.MinConns,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	if err := s.SetAgentTeam(ctx, code, teamID); err != nil {
		return fmt.Errorf("setting team: %w", err)
	}
	color.New(color.FgGreen).Printf("  ✓ %s is now in team %d\n", code, teamID)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("wallboard-gateway configuration setup")
	fmt.Println("=====================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	defaults := config.Default()

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", defaults.Server.HTTPAddr)
	wsPath := prompt(reader, "Websocket path", defaults.Server.WSPath)
	origins := prompt(reader, "Allowed origins (comma separated, empty for any)", "")

	fmt.Println("\n--- Database Configuration ---")
	driver := prompt(reader, "Driver (sqlite/postgres/badger/memory)", defaults.Database.Driver)
	var dbPath, dsn string
	switch driver {
	case store.DriverPostgres:
		dsn = prompt(reader, "Postgres DSN", "postgres://localhost:5432/wallboard")
	case store.DriverBadger:
		dbPath = prompt(reader, "Badger directory", "wallboard-data")
	case store.DriverMemory:
	default:
		dbPath = prompt(reader, "SQLite database path", defaults.Database.Path)
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", defaults.Logging.Level)
	logFormat := prompt(reader, "Log format (text/json)", defaults.Logging.Format)

	var cfg strings.Builder
	cfg.WriteString("# wallboard-gateway configuration\n")
	cfg.WriteString("# Generated by wallboard-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  ws_path: %q\n", wsPath))
	if origins != "" {
		cfg.WriteString("  allowed_origins:\n")
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.WriteString(fmt.Sprintf("    - %q\n", o))
			}
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", driver))
	if dbPath != "" {
		cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	}
	if dsn != "" {
		cfg.WriteString(fmt.Sprintf("  dsn: %q\n", dsn))
	}
	cfg.WriteString("\n")

	cfg.WriteString("gateway:\n")
	cfg.WriteString(fmt.Sprintf("  heartbeat_interval: %q\n", defaults.Gateway.HeartbeatIntervalRaw))
	cfg.WriteString(fmt.Sprintf("  replay_ttl: %q\n", defaults.Gateway.ReplayTTLRaw))
	cfg.WriteString(fmt.Sprintf("  rate_limit_requests: %d\n", defaults.Gateway.RateLimitRequests))
	cfg.WriteString(fmt.Sprintf("  rate_limit_window: %q\n", defaults.Gateway.RateLimitWindowRaw))
	cfg.WriteString(fmt.Sprintf("  history_limit: %d\n", defaults.Gateway.HistoryLimit))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// validate what we just wrote
	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  wallboard-gateway serve\n")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func colorStatus(status string) string {
	switch store.Status(status) {
	case store.StatusAvailable:
		return color.GreenString(status)
	case store.StatusBusy:
		return color.RedString(status)
	case store.StatusBreak:
		return color.YellowString(status)
	default:
		return color.HiBlackString(status)
	}
}

func teamString(id *int) string {
	if id == nil {
		return "-"
	}
	return strconv.Itoa(*id)
}

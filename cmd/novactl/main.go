// novactl is the command line client for the novad action queue API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultServer = "http://localhost:8080"

type cliConfig struct {
	server     string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	if command == "" {
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server)
	ctx := context.Background()

	switch command {
	case "submit":
		err = runSubmit(ctx, client, cfg, args)
	case "get":
		err = runGet(ctx, client, cfg, args)
	case "approve":
		err = runApprove(ctx, client, cfg, args)
	case "deny":
		err = runDeny(ctx, client, cfg, args)
	case "process":
		err = runProcess(ctx, client, cfg, args)
	case "queue":
		err = runQueue(ctx, client, cfg, args)
	case "history":
		err = runHistory(ctx, client, cfg, args)
	case "audit":
		err = runAudit(ctx, client, cfg, args)
	case "webhooks":
		err = runWebhooks(ctx, client, cfg, args)
	case "metrics":
		err = runMetrics(ctx, client, args)
	case "version":
		fmt.Printf("novactl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server: os.Getenv("NOVA_SERVER"),
	}
	if cfg.server == "" {
		cfg.server = defaultServer
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: novactl [--server <url>] [--json] <command>

Commands:
  submit <skill> <command> [--param k=v ...] [--mode <mode>]
                            Submit an action (mode: Execute, DryRun, RequireApproval)
  get <id>                  Show an action
  approve <id> [--reason <text>]
                            Approve a pending action
  deny <id> --reason <text> Deny a pending action
  process <id>              Execute one approved action
  process --all             Sweep the queue for runnable actions
  queue                     Show queue status
  history [--from <rfc3339>] [--to <rfc3339>]
                            List completed actions
  audit [--action <id>] [--limit <n>]
                            Query the audit trail
  webhooks list             List registered webhooks
  webhooks add <url> --events <e1,e2> [--secret <key>]
                            Register a webhook
  webhooks rm <id>          Remove a webhook
  metrics                   Dump the metrics snapshot

Server defaults to $NOVA_SERVER or ` + defaultServer + `.
`)
}

func runSubmit(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: novactl submit <skill> <command> [--param k=v ...] [--mode <mode>]")
	}
	skill, command := args[0], args[1]
	params := map[string]any{}
	mode := ""

	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--param", "-p":
			if i+1 >= len(rest) {
				return fmt.Errorf("--param requires a value")
			}
			key, value, ok := strings.Cut(rest[i+1], "=")
			if !ok || key == "" {
				return fmt.Errorf("invalid parameter %q: expected k=v", rest[i+1])
			}
			params[key] = parseParamValue(value)
			i++
		case "--mode", "-m":
			if i+1 >= len(rest) {
				return fmt.Errorf("--mode requires a value")
			}
			mode = rest[i+1]
			i++
		default:
			return fmt.Errorf("unknown flag: %s", rest[i])
		}
	}

	res, err := client.Submit(ctx, skill, command, params, mode)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, res)
	}
	fmt.Printf("action %s submitted (%s)\n", res.ActionID, ColorStatus(res.Status))
	if res.Status == "pending" {
		fmt.Printf("awaiting approval: novactl approve %s\n", res.ActionID)
	}
	return nil
}

// parseParamValue keeps numbers and booleans typed so skills receive what
// they expect. Everything else stays a string.
func parseParamValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		switch v.(type) {
		case float64, bool:
			return v
		}
	}
	return raw
}

func runGet(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: novactl get <id>")
	}
	act, err := client.Action(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, act)
	}
	printAction(act)
	return nil
}

func printAction(act *Action) {
	fmt.Printf("Action:       %s\n", act.ID)
	fmt.Printf("Skill:        %s.%s\n", act.Skill, act.Command)
	fmt.Printf("Mode:         %s\n", act.Mode)
	fmt.Printf("Status:       %s\n", ColorStatus(act.Status))
	fmt.Printf("Requested by: %s\n", act.RequestedBy)
	fmt.Printf("Submitted:    %s\n", FormatTimeOrDash(act.SubmittedAt))
	if act.Reason != "" {
		fmt.Printf("Reason:       %s\n", act.Reason)
	}
	if len(act.Parameters) > 0 {
		fmt.Println("Parameters:")
		for k, v := range act.Parameters {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
	if len(act.Result) > 0 {
		fmt.Println("Result:")
		for k, v := range act.Result {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
}

func runApprove(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	id, reason, err := idAndReason(args, "approve", false)
	if err != nil {
		return err
	}
	act, err := client.Approve(ctx, id, reason)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, act)
	}
	fmt.Printf("action %s approved, now %s\n", act.ID, ColorStatus(act.Status))
	return nil
}

func runDeny(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	id, reason, err := idAndReason(args, "deny", true)
	if err != nil {
		return err
	}
	act, err := client.Deny(ctx, id, reason)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, act)
	}
	fmt.Printf("action %s denied: %s\n", act.ID, act.Reason)
	return nil
}

func idAndReason(args []string, cmd string, reasonRequired bool) (string, string, error) {
	usage := fmt.Sprintf("usage: novactl %s <id> [--reason <text>]", cmd)
	if reasonRequired {
		usage = fmt.Sprintf("usage: novactl %s <id> --reason <text>", cmd)
	}
	if len(args) == 0 {
		return "", "", errors.New(usage)
	}
	id := args[0]
	reason := ""
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--reason", "-r":
			if i+1 >= len(args) {
				return "", "", fmt.Errorf("--reason requires a value")
			}
			reason = args[i+1]
			i++
		default:
			return "", "", errors.New(usage)
		}
	}
	if reasonRequired && reason == "" {
		return "", "", errors.New(usage)
	}
	return id, reason, nil
}

func runProcess(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 1 && args[0] == "--all" {
		n, err := client.ProcessAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("processed %d actions\n", n)
		return nil
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: novactl process <id> | novactl process --all")
	}
	act, err := client.Process(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, act)
	}
	fmt.Printf("action %s finished: %s\n", act.ID, ColorStatus(act.Status))
	return nil
}

func runQueue(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: novactl queue")
	}
	status, err := client.Queue(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, status)
	}

	fmt.Printf("Inbox: %d  Outbox: %d  Awaiting approval: %d\n\n",
		status.InboxCount, status.OutboxCount, status.PendingApprovalCount)
	if len(status.Inbox) == 0 {
		fmt.Println("queue is empty")
		return nil
	}
	renderActions(status.Inbox)
	return nil
}

func runHistory(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	from, to := "", ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--from":
			if i+1 >= len(args) {
				return fmt.Errorf("--from requires a value")
			}
			from = args[i+1]
			i++
		case "--to":
			if i+1 >= len(args) {
				return fmt.Errorf("--to requires a value")
			}
			to = args[i+1]
			i++
		default:
			return fmt.Errorf("usage: novactl history [--from <rfc3339>] [--to <rfc3339>]")
		}
	}

	history, err := client.History(ctx, from, to)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, history)
	}
	if history.Count == 0 {
		fmt.Println("no completed actions")
		return nil
	}
	renderActions(history.Actions)
	fmt.Fprintf(os.Stdout, "\nTotal: %d actions\n", history.Count)
	return nil
}

func renderActions(actions []Action) {
	headers := []string{"ID", "SKILL", "COMMAND", "MODE", "STATUS", "SUBMITTED", "BY"}
	rows := make([][]string, 0, len(actions))
	for _, a := range actions {
		rows = append(rows, []string{
			a.ID,
			a.Skill,
			Truncate(a.Command, 24),
			a.Mode,
			ColorStatus(a.Status),
			FormatTimeOrDash(a.SubmittedAt),
			Truncate(a.RequestedBy, 16),
		})
	}
	RenderTable(os.Stdout, headers, rows)
}

func runAudit(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	actionID := ""
	limit := 50
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--action":
			if i+1 >= len(args) {
				return fmt.Errorf("--action requires a value")
			}
			actionID = args[i+1]
			i++
		case "--limit":
			if i+1 >= len(args) {
				return fmt.Errorf("--limit requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid limit: %s", args[i+1])
			}
			limit = n
			i++
		default:
			return fmt.Errorf("usage: novactl audit [--action <id>] [--limit <n>]")
		}
	}

	res, err := client.Audit(ctx, actionID, limit)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, res)
	}
	if res.Count == 0 {
		fmt.Println("no audit events")
		return nil
	}

	headers := []string{"TIME", "TYPE", "ACTION", "ACTOR", "SUMMARY"}
	rows := make([][]string, 0, len(res.Events))
	for _, e := range res.Events {
		rows = append(rows, []string{
			e.Timestamp.Local().Format(time.DateTime),
			e.Type,
			e.ActionID,
			Truncate(e.Actor, 16),
			Truncate(e.Summary, 60),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	return nil
}

func runWebhooks(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: novactl webhooks <list|add|rm>")
	}

	switch args[0] {
	case "list":
		hooks, err := client.Webhooks(ctx)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, hooks)
		}
		headers := []string{"ID", "URL", "EVENTS", "ENABLED"}
		rows := make([][]string, 0, len(hooks))
		for _, h := range hooks {
			rows = append(rows, []string{
				h.ID,
				Truncate(h.URL, 48),
				Truncate(strings.Join(h.Events, ","), 36),
				strconv.FormatBool(h.Enabled),
			})
		}
		RenderTable(os.Stdout, headers, rows)
		return nil

	case "add":
		if len(args) < 2 {
			return fmt.Errorf("usage: novactl webhooks add <url> --events <e1,e2> [--secret <key>]")
		}
		targetURL := args[1]
		events := []string{"*"}
		secret := ""
		for i := 2; i < len(args); i++ {
			switch args[i] {
			case "--events":
				if i+1 >= len(args) {
					return fmt.Errorf("--events requires a value")
				}
				events = strings.Split(args[i+1], ",")
				i++
			case "--secret":
				if i+1 >= len(args) {
					return fmt.Errorf("--secret requires a value")
				}
				secret = args[i+1]
				i++
			default:
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
		hook, err := client.AddWebhook(ctx, targetURL, events, secret)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, hook)
		}
		fmt.Printf("webhook %s registered\n", hook.ID)
		return nil

	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("usage: novactl webhooks rm <id>")
		}
		if err := client.RemoveWebhook(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("webhook %s removed\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown webhooks subcommand: %s", args[0])
	}
}

func runMetrics(ctx context.Context, client *APIClient, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: novactl metrics")
	}
	text, err := client.MetricsText(ctx)
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}

// Command convoy is the Convoy CLI client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftworks/convoy/internal/version"
	"github.com/driftworks/convoy/update"
)

const defaultServer = "http://localhost:9070"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "convoy server URL")
		token     = flag.String("token", os.Getenv("CONVOY_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "login":
		err = cli.cmdLogin(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "workers":
		err = cli.cmdWorkers(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "goal":
		err = cli.cmdGoal(rest)
	case "update":
		err = cmdUpdate(rest)
	case "serve":
		fmt.Fprintln(os.Stderr, "use convoyd to run the daemon")
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `convoy — Convoy CLI

Usage:
  convoy [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9070)
  --token   <token>  JWT auth token (or $CONVOY_TOKEN)

Commands:
  version                  print version
  login <user>             obtain a JWT token (password read from stdin)
  status                   show pipeline status
  workers                  list live workers
  tasks [state]            list tasks, optionally filtered by state
  task create <title>      create a task (-type, -priority, -deps flags after create)
  task show <id>           show one task
  task cancel <id>         cancel a backlog/pending task
  goal submit <file.yaml>  submit a goal definition
  update                   self-update to the latest release
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("convoy %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// --- update ---

func cmdUpdate(_ []string) error {
	ctx := context.Background()
	u := update.New(version.Version)
	rel, err := u.Check(ctx)
	if err != nil {
		return fmt.Errorf("check for update: %w", err)
	}
	if rel == nil {
		fmt.Println("convoy is up to date")
		return nil
	}
	fmt.Printf("updating to %s...\n", rel.Version)
	if err := u.Apply(ctx, rel); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	fmt.Println("updated; restart any running convoyd")
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// post performs a POST and decodes JSON response into v (may be nil).
func (c *Client) post(path string, body io.Reader, v any) error {
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// --- login ---

func (c *Client) cmdLogin(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: convoy login <user>")
	}
	fmt.Fprint(os.Stderr, "password: ")
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	body := fmt.Sprintf(`{"username":%q,"password":%q}`, args[0], password)
	var result map[string]string
	if err := c.post("/api/auth/login", strings.NewReader(body), &result); err != nil {
		return err
	}
	fmt.Println(result["token"])
	return nil
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var report struct {
		States     map[string]int `json:"states"`
		QueueDepth int            `json:"queue_depth"`
		Workers    []any          `json:"workers"`
		Stuck      []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
			State string `json:"state"`
			Error string `json:"error"`
		} `json:"stuck"`
	}
	if err := c.get("/api/status", &report); err != nil {
		return err
	}
	fmt.Printf("queue depth: %d\n", report.QueueDepth)
	fmt.Printf("workers:     %d\n", len(report.Workers))
	for _, state := range []string{"backlog", "pending", "assigned", "active", "done", "failed", "blocked", "cancelled"} {
		if n := report.States[state]; n > 0 {
			fmt.Printf("  %-10s %d\n", state, n)
		}
	}
	for _, st := range report.Stuck {
		fmt.Printf("stuck: %s %s (%s): %s\n", st.ID, truncate(st.Title, 30), st.State, st.Error)
	}
	return nil
}

// --- workers ---

func (c *Client) cmdWorkers(_ []string) error {
	var workers []struct {
		WorkerID      string    `json:"worker_id"`
		CurrentTaskID string    `json:"current_task_id"`
		LastSeen      time.Time `json:"last_seen"`
	}
	if err := c.get("/api/workers", &workers); err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Println("no live workers")
		return nil
	}
	fmt.Printf("%-20s %-36s %-12s\n", "WORKER", "CURRENT TASK", "LAST SEEN")
	fmt.Println(strings.Repeat("-", 70))
	for _, w := range workers {
		cur := w.CurrentTaskID
		if cur == "" {
			cur = "(idle)"
		}
		fmt.Printf("%-20s %-36s %-12s\n", w.WorkerID, cur, time.Since(w.LastSeen).Round(time.Second))
	}
	return nil
}

// --- tasks ---

func (c *Client) cmdTasks(args []string) error {
	path := "/api/tasks"
	if len(args) > 0 {
		path += "?state=" + args[0]
	}
	var tasks []map[string]any
	if err := c.get(path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-30s %-10s %-12s\n", "ID", "TITLE", "TYPE", "STATE")
	fmt.Println(strings.Repeat("-", 92))
	for _, t := range tasks {
		fmt.Printf("%-36s %-30s %-10s %-12s\n",
			strVal(t["id"]),
			truncate(strVal(t["title"]), 29),
			strVal(t["type"]),
			strVal(t["state"]),
		)
	}
	return nil
}

// --- task subcommands ---

func (c *Client) cmdTask(args []string) error {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: convoy task <create|show|cancel> ...")
		os.Exit(1)
	}
	sub := args[0]
	switch sub {
	case "create":
		return c.taskCreate(args[1:])
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: convoy task show <id>")
		}
		var t map[string]any
		if err := c.get("/api/tasks/"+args[1], &t); err != nil {
			return err
		}
		out, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	case "cancel":
		if len(args) < 2 {
			return fmt.Errorf("usage: convoy task cancel <id>")
		}
		if err := c.post("/api/tasks/"+args[1]+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Printf("task %s cancelled\n", args[1])
		return nil
	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
}

func (c *Client) taskCreate(args []string) error {
	fs := flag.NewFlagSet("task create", flag.ExitOnError)
	taskType := fs.String("type", "development", "task type")
	priority := fs.Int("priority", 0, "task priority")
	deps := fs.String("deps", "", "comma-separated dependency task IDs")
	retries := fs.Int("retries", 0, "max retry attempts")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: convoy task create [flags] <title>")
	}
	title := strings.Join(fs.Args(), " ")

	spec := map[string]any{
		"title":       title,
		"type":        *taskType,
		"priority":    *priority,
		"max_retries": *retries,
	}
	if *deps != "" {
		spec["depends_on"] = strings.Split(*deps, ",")
	}
	body, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	var result map[string]any
	if err := c.post("/api/tasks", strings.NewReader(string(body)), &result); err != nil {
		return err
	}
	fmt.Printf("created task %s\n", strVal(result["id"]))
	return nil
}

// --- goal subcommands ---

func (c *Client) cmdGoal(args []string) error {
	if len(args) < 2 || args[0] != "submit" {
		fmt.Fprintln(os.Stderr, "usage: convoy goal submit <file.yaml>")
		os.Exit(1)
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read goal file: %w", err)
	}
	var goal map[string]any
	if err := yaml.Unmarshal(data, &goal); err != nil {
		return fmt.Errorf("parse goal file: %w", err)
	}
	body, err := json.Marshal(goal)
	if err != nil {
		return err
	}
	var result struct {
		IDs []string `json:"ids"`
	}
	if err := c.post("/api/goals", strings.NewReader(string(body)), &result); err != nil {
		return err
	}
	fmt.Printf("goal submitted: %d tasks\n", len(result.IDs))
	for _, id := range result.IDs {
		fmt.Println("  " + id)
	}
	return nil
}

// --- helpers ---

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

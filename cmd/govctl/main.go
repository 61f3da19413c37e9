// Package main implements govctl, the operator CLI for vyapaard: listing
// and resolving payout approvals, reading/writing agent policy, and
// checking audit chain integrity. Grounded on the teacher's approvals CLI.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"vyapaar/internal/logging"
)

func main() {
	args := logging.InitLogging(os.Args[1:])

	serverURL := os.Getenv("VYAPAAR_SERVER_URL")

	fs := flag.NewFlagSet("govctl", flag.ExitOnError)
	fs.StringVar(&serverURL, "url", serverURL, "URL of the vyapaard server (or set VYAPAAR_SERVER_URL)")
	outputJSON := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: govctl [options] <command> [arguments]

Commands:
  approvals list [--status=pending|approved|denied]   List approval requests
  approvals pending                                   Shorthand for list --status=pending
  approvals show <approval_id>                        Show details of an approval
  approvals approve <approval_id> --reason "..."      Approve a request
  approvals deny <approval_id> --reason "..."         Deny a request
  budget <agent_id>                                    Show an agent's spend-today vs. daily limit
  policy get <agent_id>                               Show an agent's policy
  policy set <agent_id> <json-file>                   Upsert an agent's policy from a JSON file
  audit verify                                        Verify the audit hash chain

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Environment Variables:
  VYAPAAR_SERVER_URL   URL of the vyapaard server (e.g., http://localhost:8090)

Examples:
  govctl approvals pending
  govctl approvals approve apr_abc123 --reason "verified with finance"
  govctl policy get agent-1
  govctl audit verify
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if serverURL == "" {
		fmt.Fprintln(os.Stderr, "Error: server URL required (use --url or set VYAPAAR_SERVER_URL)")
		os.Exit(1)
	}

	remaining := fs.Args()
	if len(remaining) < 2 {
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	group := remaining[0]

	var err error
	switch group {
	case "budget":
		err = cmdBudget(ctx, remaining[1:], serverURL, *outputJSON)
	case "approvals":
		err = dispatchApprovals(ctx, remaining[1], remaining[2:], serverURL, *outputJSON)
	case "policy":
		err = dispatchPolicy(ctx, remaining[1], remaining[2:], serverURL, *outputJSON)
	case "audit":
		err = dispatchAudit(ctx, remaining[1], serverURL, *outputJSON)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command group: %s\n", group)
		fs.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdBudget(ctx context.Context, args []string, serverURL string, outputJSON bool) error {
	if len(args) == 0 {
		return fmt.Errorf("agent ID required")
	}
	body, err := doHTTPRequest(ctx, "GET", serverURL+"/v1/budget/"+args[0], nil)
	if err != nil {
		return fmt.Errorf("get budget: %w", err)
	}

	var b budgetView
	if err := json.Unmarshal(body, &b); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}

	fmt.Printf("Agent:       %s\n", b.AgentID)
	fmt.Printf("Spent today: %d paise\n", b.SpentToday)
	fmt.Printf("Daily limit: %d paise\n", b.DailyLimit)
	fmt.Printf("Remaining:   %d paise\n", b.Remaining)
	return nil
}

func dispatchApprovals(ctx context.Context, command string, args []string, serverURL string, outputJSON bool) error {
	switch command {
	case "list":
		return cmdApprovalsList(ctx, args, serverURL, outputJSON)
	case "pending":
		return cmdApprovalsList(ctx, []string{"--status=pending"}, serverURL, outputJSON)
	case "show":
		return cmdApprovalsShow(ctx, args, serverURL, outputJSON)
	case "approve":
		return cmdApprovalsResolve(ctx, args, serverURL, "approve")
	case "deny":
		return cmdApprovalsResolve(ctx, args, serverURL, "deny")
	default:
		return fmt.Errorf("unknown approvals command: %s", command)
	}
}

func cmdApprovalsList(ctx context.Context, args []string, serverURL string, outputJSON bool) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status")
	agentID := fs.String("agent", "", "Filter by agent ID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	url := serverURL + "/v1/approvals?status=" + *status + "&agent_id=" + *agentID
	body, err := doHTTPRequest(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}

	var approvals []approvalView
	if err := json.Unmarshal(body, &approvals); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(approvals)
	}

	if len(approvals) == 0 {
		fmt.Println("No approvals found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPAYOUT\tAGENT\tAMOUNT\tREQUESTED")
	for _, a := range approvals {
		fmt.Fprintf(w, "%s\t%s %s\t%s\t%s\t%d\t%s\n",
			a.ApprovalID, statusIcon(a.Status), a.Status, a.PayoutID, a.AgentID, a.Amount,
			a.RequestedAt.Format("15:04:05"))
	}
	return w.Flush()
}

func cmdApprovalsShow(ctx context.Context, args []string, serverURL string, outputJSON bool) error {
	if len(args) == 0 {
		return fmt.Errorf("approval ID required")
	}
	body, err := doHTTPRequest(ctx, "GET", serverURL+"/v1/approvals/"+args[0], nil)
	if err != nil {
		return fmt.Errorf("get approval: %w", err)
	}

	var a approvalView
	if err := json.Unmarshal(body, &a); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	}

	fmt.Printf("Approval ID: %s\n", a.ApprovalID)
	fmt.Printf("Status:      %s %s\n", statusIcon(a.Status), a.Status)
	fmt.Printf("Payout:      %s\n", a.PayoutID)
	fmt.Printf("Agent:       %s\n", a.AgentID)
	fmt.Printf("Amount:      %d paise\n", a.Amount)
	fmt.Printf("Requested:   %s\n", a.RequestedAt.Format(time.RFC3339))
	if !a.ExpiresAt.IsZero() {
		fmt.Printf("Expires:     %s\n", a.ExpiresAt.Format(time.RFC3339))
	}
	if a.ResolvedBy != "" {
		fmt.Printf("Resolved By: %s\n", a.ResolvedBy)
		fmt.Printf("Reason:      %s\n", a.Reason)
	}
	return nil
}

func cmdApprovalsResolve(ctx context.Context, args []string, serverURL, action string) error {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	reason := fs.String("reason", "", "Reason for the decision")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) == 0 {
		return fmt.Errorf("approval ID required")
	}
	if action == "deny" && *reason == "" {
		return fmt.Errorf("--reason is required when denying")
	}

	approvalID := fs.Args()[0]
	actorID := os.Getenv("USER")
	if actorID == "" {
		actorID = "operator"
	}

	body, _ := json.Marshal(map[string]string{"actor_id": actorID, "reason": *reason}) //nolint:errcheck
	if _, err := doHTTPRequest(ctx, "POST", serverURL+"/v1/approvals/"+approvalID+"/"+action, body); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}

	fmt.Printf("%s: %s\n", capitalize(action), approvalID)
	return nil
}

func dispatchPolicy(ctx context.Context, command string, args []string, serverURL string, outputJSON bool) error {
	switch command {
	case "get":
		if len(args) == 0 {
			return fmt.Errorf("agent ID required")
		}
		body, err := doHTTPRequest(ctx, "GET", serverURL+"/v1/policies/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("get policy: %w", err)
		}
		if outputJSON {
			var buf bytes.Buffer
			if err := json.Indent(&buf, body, "", "  "); err != nil {
				return err
			}
			fmt.Println(buf.String())
			return nil
		}
		fmt.Println(string(body))
		return nil
	case "set":
		if len(args) < 2 {
			return fmt.Errorf("usage: policy set <agent_id> <json-file>")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read policy file: %w", err)
		}
		if _, err := doHTTPRequest(ctx, "PUT", serverURL+"/v1/policies/"+args[0], data); err != nil {
			return fmt.Errorf("set policy: %w", err)
		}
		fmt.Printf("Policy updated for agent %s\n", args[0])
		return nil
	default:
		return fmt.Errorf("unknown policy command: %s", command)
	}
}

func dispatchAudit(ctx context.Context, command, serverURL string, outputJSON bool) error {
	if command != "verify" {
		return fmt.Errorf("unknown audit command: %s", command)
	}
	body, err := doHTTPRequest(ctx, "GET", serverURL+"/v1/audit/verify", nil)
	if err != nil {
		return fmt.Errorf("verify audit chain: %w", err)
	}
	if outputJSON {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err != nil {
			return err
		}
		fmt.Println(buf.String())
		return nil
	}
	fmt.Println(string(body))
	return nil
}

// budgetView mirrors the /v1/budget/{agentID} JSON response for CLI display.
type budgetView struct {
	AgentID    string `json:"agent_id"`
	SpentToday int64  `json:"spent_today"`
	DailyLimit int64  `json:"daily_limit"`
	Remaining  int64  `json:"remaining"`
}

// approvalView mirrors approval.Request's JSON shape for CLI display.
type approvalView struct {
	ApprovalID  string    `json:"approval_id"`
	PayoutID    string    `json:"payout_id"`
	AgentID     string    `json:"agent_id"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ResolvedBy  string    `json:"resolved_by"`
	Reason      string    `json:"reason"`
}

func statusIcon(status string) string {
	switch status {
	case "pending":
		return "[?]"
	case "approved":
		return "[+]"
	case "denied":
		return "[-]"
	case "expired":
		return "[X]"
	case "cancelled":
		return "[~]"
	default:
		return "[.]"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-32) + s[1:]
}

func doHTTPRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qpki-ra/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log management",
	Long: `Commands for verifying and reading the audit log.

Every end entity change is recorded as an event chained to the previous one
with SHA-256, so edited, removed or inserted events break the chain.

Examples:
  # Verify the configured audit log
  qra audit verify

  # Show the last 20 events of another log
  qra audit tail --log /var/lib/qra/audit.jsonl -n 20`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log integrity",
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit events",
	RunE:  runAuditTail,
}

var (
	auditLogFile  string
	auditTailNum  int
	auditShowJSON bool
)

func init() {
	auditVerifyCmd.Flags().StringVar(&auditLogFile, "log", "", "Path to audit log file (default: configured log)")

	auditTailCmd.Flags().StringVar(&auditLogFile, "log", "", "Path to audit log file (default: configured log)")
	auditTailCmd.Flags().IntVarP(&auditTailNum, "num", "n", 10, "Number of events to show")
	auditTailCmd.Flags().BoolVar(&auditShowJSON, "json", false, "Output as JSON")

	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
}

func auditLogPath() string {
	if auditLogFile != "" {
		return auditLogFile
	}
	return app.cfg.AuditPath()
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := auditLogPath()
	_, _ = fmt.Fprintf(out, "Verifying audit log: %s\n\n", path)

	count, err := audit.VerifyFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(out, "VERIFICATION FAILED\n")
		_, _ = fmt.Fprintf(out, "  Valid events: %d\n", count)
		_, _ = fmt.Fprintf(out, "  Error: %s\n", err)
		return fmt.Errorf("audit log verification failed: %w", err)
	}

	_, _ = fmt.Fprintf(out, "VERIFICATION PASSED\n")
	_, _ = fmt.Fprintf(out, "  Total events: %d\n", count)
	_, _ = fmt.Fprintf(out, "  Hash chain: VALID\n")
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	data, err := os.ReadFile(auditLogPath())
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		_, _ = fmt.Fprintln(out, "Audit log is empty")
		return nil
	}
	if len(lines) > auditTailNum {
		lines = lines[len(lines)-auditTailNum:]
	}

	if auditShowJSON {
		_, _ = fmt.Fprintf(out, "[\n%s\n]\n", strings.Join(lines, ",\n"))
		return nil
	}
	for _, line := range lines {
		var event audit.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			_, _ = fmt.Fprintf(out, "  [ERROR] %s\n", err)
			continue
		}
		printEvent(out, &event)
	}
	return nil
}

func printEvent(w io.Writer, e *audit.Event) {
	resultIcon := "✓"
	if e.Result == audit.ResultFailure {
		resultIcon = "✗"
	}

	_, _ = fmt.Fprintf(w, "[%s] %s %s\n", e.Timestamp, resultIcon, e.EventType)
	_, _ = fmt.Fprintf(w, "    Actor:  %s:%s\n", e.Actor.Type, e.Actor.ID)
	if e.Object.Username != "" {
		_, _ = fmt.Fprintf(w, "    Object: %s", e.Object.Username)
		if e.Object.SubjectDN != "" {
			_, _ = fmt.Fprintf(w, " subject=%s", e.Object.SubjectDN)
		}
		_, _ = fmt.Fprintln(w)
	}
	if c := e.Context; c.Status != "" || c.Reason != "" || c.RequestID != "" {
		_, _ = fmt.Fprint(w, "    Context:")
		if c.PrevStatus != "" {
			_, _ = fmt.Fprintf(w, " %s ->", c.PrevStatus)
		}
		if c.Status != "" {
			_, _ = fmt.Fprintf(w, " status=%s", c.Status)
		}
		if c.Reason != "" {
			_, _ = fmt.Fprintf(w, " reason=%s", c.Reason)
		}
		if c.RequestID != "" {
			_, _ = fmt.Fprintf(w, " request=%s", c.RequestID)
		}
		_, _ = fmt.Fprintln(w)
	}
	_, _ = fmt.Fprintln(w)
}

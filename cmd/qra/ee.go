package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/remiblancher/qpki-ra/internal/approval"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/lifecycle"
)

var eeCmd = &cobra.Command{
	Use:   "ee",
	Short: "Manage end entities",
	Long: `Manage end entities.

An end entity is a subject that may enroll for certificates. Its data is read
from a YAML candidate file and validated against its end entity profile.

Candidate file example:
  username: alice
  password: foo123
  profile: web
  subject_dn: "CN=Alice,O=Example Org,C=SE"
  subject_alt_name: "dNSName=alice.example.com"
  email: alice@example.com
  ca_id: 3

Operations that require approval file a request and report its id; see
'qra approval'.`,
}

var eeAddCmd = &cobra.Command{
	Use:   "add <candidate.yaml>",
	Short: "Register an end entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runEEAdd,
}

var eeChangeCmd = &cobra.Command{
	Use:   "change <candidate.yaml>",
	Short: "Change an end entity",
	Long: `Change an end entity. An empty password keeps the current one and an empty
status keeps the current status.`,
	Args: cobra.ExactArgs(1),
	RunE: runEEChange,
}

var eeShowCmd = &cobra.Command{
	Use:   "show <username>",
	Short: "Show an end entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runEEShow,
}

var eeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List end entities",
	RunE:  runEEList,
}

var eeStatusCmd = &cobra.Command{
	Use:   "status <username> <status>",
	Short: "Set the status of an end entity",
	Args:  cobra.ExactArgs(2),
	RunE:  runEEStatus,
}

var eeRevokeCmd = &cobra.Command{
	Use:   "revoke <username>",
	Short: "Revoke an end entity",
	Long: `Revoke an end entity and its certificates.

Reason 8 (removeFromCRL) reinstates certificates on hold and returns the end
entity to GENERATED.`,
	Args: cobra.ExactArgs(1),
	RunE: runEERevoke,
}

var eeDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Delete an end entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runEEDelete,
}

var eeSetPasswordCmd = &cobra.Command{
	Use:   "setpassword <username> <password>",
	Short: "Replace the enrollment password",
	Args:  cobra.ExactArgs(2),
	RunE:  runEESetPassword,
}

var eeAuthCmd = &cobra.Command{
	Use:   "auth <username> <password>",
	Short: "Check an enrollment password",
	Long: `Check an enrollment password. A wrong password consumes a login attempt.`,
	Args: cobra.ExactArgs(2),
	RunE: runEEAuth,
}

var eeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count end entities by status",
	RunE:  runEEStats,
}

var (
	eeListStatus  string
	eeListCA      int
	eeListProfile string
	eeRevokeCode  int
	eeClearText   bool
)

func init() {
	eeCmd.AddCommand(eeAddCmd)
	eeCmd.AddCommand(eeChangeCmd)
	eeCmd.AddCommand(eeShowCmd)
	eeCmd.AddCommand(eeListCmd)
	eeCmd.AddCommand(eeStatusCmd)
	eeCmd.AddCommand(eeRevokeCmd)
	eeCmd.AddCommand(eeDeleteCmd)
	eeCmd.AddCommand(eeSetPasswordCmd)
	eeCmd.AddCommand(eeAuthCmd)
	eeCmd.AddCommand(eeStatsCmd)

	eeListCmd.Flags().StringVar(&eeListStatus, "status", "", "Only list end entities with this status")
	eeListCmd.Flags().IntVar(&eeListCA, "ca", 0, "Only list end entities of this CA")
	eeListCmd.Flags().StringVar(&eeListProfile, "profile", "", "Only list end entities of this profile")

	eeRevokeCmd.Flags().IntVar(&eeRevokeCode, "reason", lifecycle.ReasonUnspecified, "CRL reason code")

	eeSetPasswordCmd.Flags().BoolVar(&eeClearText, "clear", false, "Keep the password in clear text (profile must allow it)")
}

// candidateFile is the YAML form of a candidate end entity.
type candidateFile struct {
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ClearTextPassword bool   `yaml:"clear_text_password"`
	Profile           string `yaml:"profile"`
	SubjectDN         string `yaml:"subject_dn"`
	SubjectAltName    string `yaml:"subject_alt_name"`
	SubjectDirAttrs   string `yaml:"subject_dir_attrs"`
	Email             string `yaml:"email"`
	CardNumber        string `yaml:"card_number"`
	CAID              int    `yaml:"ca_id"`
	CertProfileID     int    `yaml:"cert_profile_id"`
	TokenType         int    `yaml:"token_type"`
	KeyRecoverable    bool   `yaml:"key_recoverable"`
	SendNotification  bool   `yaml:"send_notification"`
	Status            string `yaml:"status"`
	StartTime         string `yaml:"start_time"`
	EndTime           string `yaml:"end_time"`
}

// loadCandidate reads a candidate file. The profile name, when present, is
// resolved against the registry.
func loadCandidate(path string) (*endentity.EndEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read candidate: %w", err)
	}
	var c candidateFile
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse candidate: %w", err)
	}

	e := &endentity.EndEntity{
		Username:          c.Username,
		Password:          c.Password,
		ClearTextPassword: c.ClearTextPassword,
		SubjectDN:         c.SubjectDN,
		SubjectAltName:    c.SubjectAltName,
		SubjectDirAttrs:   c.SubjectDirAttrs,
		Email:             c.Email,
		CardNumber:        c.CardNumber,
		CAID:              c.CAID,
		CertProfileID:     c.CertProfileID,
		TokenType:         c.TokenType,
		KeyRecoverable:    c.KeyRecoverable,
		SendNotification:  c.SendNotification,
	}
	e.Extended.StartTime = c.StartTime
	e.Extended.EndTime = c.EndTime

	if c.Status != "" {
		s, ok := endentity.ParseStatus(c.Status)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", c.Status)
		}
		e.Status = s
	}
	if c.Profile != "" {
		id, ok := app.profiles.IDByName(c.Profile)
		if !ok {
			return nil, fmt.Errorf("unknown profile %q", c.Profile)
		}
		e.ProfileID = id
	}
	return e, nil
}

// reportPending prints the approval request an operation is waiting for and
// swallows the error. Other errors are returned unchanged.
func reportPending(w io.Writer, err error) error {
	var waiting *approval.WaitingForApprovalError
	if !errors.As(err, &waiting) {
		return err
	}
	_, _ = fmt.Fprintf(w, "Approval request %s filed: %s needs %d approvals\n",
		waiting.RequestID, waiting.Action, waiting.Required)
	return nil
}

func runEEAdd(cmd *cobra.Command, args []string) error {
	e, err := loadCandidate(args[0])
	if err != nil {
		return err
	}
	added, err := app.workflow.Add(cmd.Context(), admin(), e)
	if err != nil {
		return reportPending(cmd.OutOrStdout(), err)
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "End entity %s added (status %s)\n", added.Username, added.Status)
	if added.Password != "" && e.Password == "" {
		_, _ = fmt.Fprintf(out, "Generated password: %s\n", added.Password)
	}
	return nil
}

func runEEChange(cmd *cobra.Command, args []string) error {
	e, err := loadCandidate(args[0])
	if err != nil {
		return err
	}
	changed, err := app.workflow.Change(cmd.Context(), admin(), e)
	if err != nil {
		return reportPending(cmd.OutOrStdout(), err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "End entity %s changed (status %s)\n", changed.Username, changed.Status)
	return nil
}

func runEEShow(cmd *cobra.Command, args []string) error {
	e, err := app.workflow.Get(cmd.Context(), admin(), args[0])
	if err != nil {
		return err
	}
	profileName := app.profiles.Names()[e.ProfileID]

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Username:       %s\n", e.Username)
	_, _ = fmt.Fprintf(out, "Status:         %s\n", e.Status)
	_, _ = fmt.Fprintf(out, "Profile:        %s (id %d)\n", profileName, e.ProfileID)
	_, _ = fmt.Fprintf(out, "CA:             %d\n", e.CAID)
	_, _ = fmt.Fprintf(out, "Cert profile:   %d\n", e.CertProfileID)
	_, _ = fmt.Fprintf(out, "Subject DN:     %s\n", e.SubjectDN)
	if e.SubjectAltName != "" {
		_, _ = fmt.Fprintf(out, "Alt name:       %s\n", e.SubjectAltName)
	}
	if e.Email != "" {
		_, _ = fmt.Fprintf(out, "E-mail:         %s\n", e.Email)
	}
	_, _ = fmt.Fprintf(out, "Requests left:  %s\n", counter(e.Extended.RemainingRequests))
	_, _ = fmt.Fprintf(out, "Logins left:    %s\n", counter(e.Extended.RemainingLoginAttempts))
	if e.Extended.KeyRecoverySerial != "" {
		_, _ = fmt.Fprintf(out, "Key recovery:   %s\n", e.Extended.KeyRecoverySerial)
	}
	_, _ = fmt.Fprintf(out, "Created:        %s\n", e.Created.Format("2006-01-02 15:04:05 MST"))
	_, _ = fmt.Fprintf(out, "Modified:       %s\n", e.Modified.Format("2006-01-02 15:04:05 MST"))
	return nil
}

func counter(n int) string {
	if n == endentity.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}

func runEEList(cmd *cobra.Command, args []string) error {
	filter := endentity.Filter{CAID: eeListCA}
	if eeListStatus != "" {
		s, ok := endentity.ParseStatus(eeListStatus)
		if !ok {
			return fmt.Errorf("unknown status %q", eeListStatus)
		}
		filter.Status = s
	}
	if eeListProfile != "" {
		id, ok := app.profiles.IDByName(eeListProfile)
		if !ok {
			return fmt.Errorf("unknown profile %q", eeListProfile)
		}
		filter.ProfileID = id
	}

	list, err := app.workflow.List(cmd.Context(), admin(), filter)
	if err != nil {
		return err
	}
	names := app.profiles.Names()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "USERNAME\tSTATUS\tCA\tPROFILE\tSUBJECT")
	_, _ = fmt.Fprintln(w, "--------\t------\t--\t-------\t-------")
	for _, e := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.Username, e.Status, e.CAID, names[e.ProfileID], e.SubjectDN)
	}
	return w.Flush()
}

func runEEStatus(cmd *cobra.Command, args []string) error {
	s, ok := endentity.ParseStatus(args[1])
	if !ok {
		return fmt.Errorf("unknown status %q", args[1])
	}
	if err := app.workflow.SetStatus(cmd.Context(), admin(), args[0], s); err != nil {
		return reportPending(cmd.OutOrStdout(), err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "End entity %s is now %s\n", args[0], s)
	return nil
}

func runEERevoke(cmd *cobra.Command, args []string) error {
	if err := app.workflow.Revoke(cmd.Context(), admin(), args[0], eeRevokeCode); err != nil {
		return reportPending(cmd.OutOrStdout(), err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "End entity %s revoked (reason %d)\n", args[0], eeRevokeCode)
	return nil
}

func runEEDelete(cmd *cobra.Command, args []string) error {
	if err := app.workflow.Delete(cmd.Context(), admin(), args[0]); err != nil {
		return reportPending(cmd.OutOrStdout(), err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "End entity %s deleted\n", args[0])
	return nil
}

func runEESetPassword(cmd *cobra.Command, args []string) error {
	var err error
	if eeClearText {
		err = app.workflow.SetClearTextPassword(cmd.Context(), admin(), args[0], args[1])
	} else {
		err = app.workflow.SetPassword(cmd.Context(), admin(), args[0], args[1])
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Password of %s changed\n", args[0])
	return nil
}

func runEEAuth(cmd *cobra.Command, args []string) error {
	if err := app.workflow.Authenticate(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "End entity %s authenticated\n", args[0])
	return nil
}

func runEEStats(cmd *cobra.Command, args []string) error {
	counts, err := app.workflow.CountByStatus(cmd.Context())
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, s := range statuses {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
	}
	return w.Flush()
}

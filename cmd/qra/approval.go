package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qpki-ra/internal/approval"
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Manage approval requests",
	Long: `Manage approval requests.

CAs may require approvals before an end entity is added, changed, revoked or
deleted. The operation is then filed as a request holding a snapshot of the
change. Once enough administrators other than the requester approve it, the
request can be executed.

Examples:
  # List pending requests
  qra approval list

  # Approve as bob, then execute
  qra approval approve 0f4c... --admin bob
  qra approval execute 0f4c...`,
}

var approvalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests",
	RunE:  runApprovalList,
}

var approvalApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a request as the current administrator",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalApprove,
}

var approvalRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalReject,
}

var approvalExecuteCmd = &cobra.Command{
	Use:   "execute <id>",
	Short: "Execute an approved request",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalExecute,
}

var approvalListStatus string

func init() {
	approvalCmd.AddCommand(approvalListCmd)
	approvalCmd.AddCommand(approvalApproveCmd)
	approvalCmd.AddCommand(approvalRejectCmd)
	approvalCmd.AddCommand(approvalExecuteCmd)

	approvalListCmd.Flags().StringVar(&approvalListStatus, "status", string(approval.StatusPending),
		"Only list requests with this status (empty for all)")
}

func runApprovalList(cmd *cobra.Command, args []string) error {
	requests, err := app.approvals.List(cmd.Context(), approval.Status(approvalListStatus))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tACTION\tUSERNAME\tCA\tSTATUS\tAPPROVALS\tREQUESTER")
	_, _ = fmt.Fprintln(w, "--\t------\t--------\t--\t------\t---------\t---------")
	for _, r := range requests {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d/%d\t%s\n",
			r.ID, r.Action, r.Username, r.CAID, r.Status, len(r.Approvers), r.RequiredApprovals, r.Requester)
	}
	return w.Flush()
}

func runApprovalApprove(cmd *cobra.Command, args []string) error {
	r, err := approval.Approve(cmd.Context(), app.approvals, args[0], adminName)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Request %s approved by %s (%d/%d, status %s)\n",
		r.ID, strings.Join(r.Approvers, ", "), len(r.Approvers), r.RequiredApprovals, r.Status)
	return nil
}

func runApprovalReject(cmd *cobra.Command, args []string) error {
	r, err := approval.Reject(cmd.Context(), app.approvals, args[0])
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Request %s rejected\n", r.ID)
	return nil
}

func runApprovalExecute(cmd *cobra.Command, args []string) error {
	if err := app.workflow.ExecuteApproved(cmd.Context(), admin(), app.approvals, args[0]); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Request %s executed\n", args[0])
	return nil
}

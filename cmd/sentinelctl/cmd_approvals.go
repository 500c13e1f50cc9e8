package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and decide human-gated job approvals",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list <job-id>",
	Short: "List approval requests recorded against a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsList,
}

var decidedBy string

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve a pending approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsApprove,
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <approval-id>",
	Short: "Reject a pending approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsReject,
}

func init() {
	approvalsApproveCmd.Flags().StringVar(&decidedBy, "by", "sentinelctl", "Identity recorded as the decider")
	approvalsRejectCmd.Flags().StringVar(&decidedBy, "by", "sentinelctl", "Identity recorded as the decider")
	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	approvals, err := st.ListApprovalsForJob(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%-36s  %-10s  %-30s  %s\n", "APPROVAL_ID", "STATUS", "REASON", "EXPIRES_AT")
	for _, a := range approvals {
		fmt.Printf("%-36s  %-10s  %-30s  %s\n", a.ApprovalID, a.Status, a.Reason, a.ExpiresAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

func runApprovalsApprove(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Approve(args[0], decidedBy); err != nil {
		return err
	}
	fmt.Printf("approved %s\n", args[0])
	return nil
}

func runApprovalsReject(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Reject(args[0], decidedBy); err != nil {
		return err
	}
	fmt.Printf("rejected %s\n", args[0])
	return nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"casparian/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List, inspect, or cancel jobs",
}

var jobsListStatus string
var jobsListLimit int

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, optionally filtered by status",
	RunE:  runJobsList,
}

var jobsShowAfter int64

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job's current state and its event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a non-terminal job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "Filter by status (Queued, Admitted, Running, Succeeded, Failed, Rejected, Cancelled)")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 50, "Maximum jobs to list")
	jobsShowCmd.Flags().Int64Var(&jobsShowAfter, "after", 0, "Only show events with event_id greater than this")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCancelCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.ListJobs(store.JobStatus(jobsListStatus), jobsListLimit)
	if err != nil {
		return err
	}

	fmt.Printf("%-36s  %-12s  %-20s  %-10s  %5s  %6s\n", "JOB_ID", "STATUS", "PLUGIN", "VERSION", "PRIO", "PCT")
	for _, j := range jobs {
		fmt.Printf("%-36s  %-12s  %-20s  %-10s  %5d  %5d%%\n",
			j.JobID, j.Status, j.PluginName, j.PluginVersion, j.Priority, j.ProgressPct)
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.GetJob(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("job_id:        %s\n", job.JobID)
	fmt.Printf("plugin:        %s@%s (%s)\n", job.PluginName, job.PluginVersion, job.RuntimeKind)
	fmt.Printf("status:        %s\n", job.Status)
	fmt.Printf("progress:      %d/%d (%d%%)\n", job.ItemsProcessed, job.ItemsTotal, job.ProgressPct)
	if job.FailureKind != nil {
		fmt.Printf("failure_kind:  %s\n", *job.FailureKind)
	}
	if job.FailureDetail != nil {
		fmt.Printf("failure:       %s\n", *job.FailureDetail)
	}
	if job.ResultJSON != nil {
		fmt.Printf("receipt:       %s\n", *job.ResultJSON)
	}

	events, err := st.ListEvents(job.JobID, jobsShowAfter, 1000)
	if err != nil {
		return err
	}
	fmt.Println("events:")
	for _, e := range events {
		detail := ""
		if e.DetailJSON != nil {
			detail = " " + *e.DetailJSON
		}
		fmt.Printf("  [%d] %-12s %s%s\n", e.EventID, e.Kind, e.CreatedAt.Format("15:04:05.000"), detail)
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.CancelJob(args[0]); err != nil {
		return err
	}
	fmt.Printf("cancelled %s\n", args[0])
	return nil
}

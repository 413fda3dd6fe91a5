package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/wablast/internal/activity"
	"github.com/foxzi/wablast/internal/blast"
	"github.com/foxzi/wablast/internal/phone"
)

var (
	blastsListLimit int
	logsStatus      string
	logsBlastID     string
	logsLimit       int
)

var blastsCmd = &cobra.Command{
	Use:   "blasts",
	Short: "Blast history commands",
}

var blastsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List past blasts",
	RunE:  runBlastsList,
}

var blastsShowCmd = &cobra.Command{
	Use:   "show <blast_id>",
	Short: "Show blast details and per-contact results",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlastsShow,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the send log",
	RunE:  runLogs,
}

func init() {
	blastsListCmd.Flags().IntVar(&blastsListLimit, "limit", 20, "Maximum number of blasts")

	logsCmd.Flags().StringVar(&logsStatus, "status", "", "Filter by status (sent, failed, skipped)")
	logsCmd.Flags().StringVar(&logsBlastID, "blast", "", "Filter by blast ID")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 50, "Maximum number of entries")

	blastsCmd.AddCommand(blastsListCmd, blastsShowCmd)
	rootCmd.AddCommand(blastsCmd, logsCmd)
}

func runBlastsList(cmd *cobra.Command, args []string) error {
	_, db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := blast.NewStorage(db)
	if err != nil {
		return err
	}

	jobs, err := store.List(context.Background(), blastsListLimit)
	if err != nil {
		return fmt.Errorf("failed to list blasts: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No blasts yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTOTAL\tSENT\tFAILED\tSKIPPED\tSTARTED\tDURATION")
	fmt.Fprintln(w, "--\t------\t-----\t----\t------\t-------\t-------\t--------")

	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(job.ID),
			job.Status,
			job.Total,
			job.Sent,
			job.Failed,
			job.Skipped,
			job.StartedAt.Format("2006-01-02 15:04"),
			jobDuration(job),
		)
	}

	w.Flush()
	return nil
}

func runBlastsShow(cmd *cobra.Command, args []string) error {
	_, db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := blast.NewStorage(db)
	if err != nil {
		return err
	}

	job, err := store.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get blast: %w", err)
	}
	if job == nil {
		return fmt.Errorf("blast not found: %s", args[0])
	}

	fmt.Printf("ID:        %s\n", job.ID)
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Started:   %s\n", job.StartedAt.Format(time.RFC3339))
	fmt.Printf("Duration:  %s\n", jobDuration(job))
	fmt.Printf("Progress:  %d/%d (sent %d, failed %d, skipped %d)\n",
		job.Processed(), job.Total, job.Sent, job.Failed, job.Skipped)
	if job.Request.Attachment != "" {
		fmt.Printf("Attach:    %s\n", job.Request.Attachment)
	}
	if job.HaltReason != "" {
		fmt.Printf("Halted:    %s\n", job.HaltReason)
	}
	if job.Error != "" {
		fmt.Printf("Error:     %s\n", job.Error)
	}
	fmt.Println()
	fmt.Println(job.Body)

	if len(job.Results) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONTACT\tPHONE\tSTATUS\tATTACHMENT\tATTEMPTS\tERROR")
	fmt.Fprintln(w, "-------\t-----\t------\t----------\t--------\t-----")
	for _, r := range job.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			truncate(r.Name, 25),
			phone.Display(r.Phone),
			r.Status,
			truncate(r.Attachment, 30),
			r.Attempts,
			truncate(r.Error, 40),
		)
	}
	w.Flush()

	return nil
}

func jobDuration(job *blast.Job) string {
	end := time.Now()
	if job.FinishedAt != nil {
		end = *job.FinishedAt
	}
	return end.Sub(job.StartedAt).Round(time.Second).String()
}

func runLogs(cmd *cobra.Command, args []string) error {
	_, db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	log, err := activity.New(db, activity.Options{}, nil)
	if err != nil {
		return err
	}

	entries := log.List(activity.Filter{
		Status:  logsStatus,
		BlastID: logsBlastID,
		Limit:   logsLimit,
	})

	if len(entries) == 0 {
		fmt.Println("Send log is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRECIPIENT\tNAME\tSTATUS\tATTACHMENT\tERROR")
	fmt.Fprintln(w, "----\t---------\t----\t------\t----------\t-----")

	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"),
			phone.Display(e.Recipient),
			truncate(e.ContactName, 25),
			e.Status,
			truncate(e.Attachment, 30),
			truncate(e.Error, 40),
		)
	}

	w.Flush()
	return nil
}

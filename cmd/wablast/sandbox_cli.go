package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wablast/internal/config"
	"github.com/foxzi/wablast/internal/phone"
	"github.com/foxzi/wablast/internal/sandbox"
	"github.com/foxzi/wablast/internal/storage"
)

var (
	sandboxListTo     string
	sandboxListKind   string
	sandboxListLimit  int
	sandboxClearOlder time.Duration
	sandboxClearAll   bool
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect messages captured by the sandbox driver",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show captured message details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured messages",
	RunE:  runSandboxClear,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListTo, "to", "", "Filter by recipient phone")
	sandboxListCmd.Flags().StringVar(&sandboxListKind, "kind", "", "Filter by kind (text, image, document)")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxClearCmd.Flags().DurationVar(&sandboxClearOlder, "older-than", 0, "Clear messages older than this (e.g. 72h)")
	sandboxClearCmd.Flags().BoolVar(&sandboxClearAll, "all", false, "Clear all messages")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxClearCmd, sandboxStatsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

// openDatabase loads the config and opens its database. The server holds
// an exclusive lock, so this fails after a timeout while it is running.
func openDatabase() (*config.Config, *bolt.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w (is wablast serve running?)", err)
	}

	return cfg, db, nil
}

func openSandboxStorage() (*config.Config, *sandbox.Storage, *bolt.DB, error) {
	cfg, db, err := openDatabase()
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := sandbox.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	return cfg, store, db, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	cfg, store, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	filter := sandbox.ListFilter{
		Kind:  sandboxListKind,
		Limit: sandboxListLimit,
	}
	if sandboxListTo != "" {
		filter.To = phone.Normalize(sandboxListTo, cfg.WhatsApp.CountryCode)
	}

	messages, err := store.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No messages in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTO\tKIND\tCONTENT\tCAPTURED\tERROR")
	fmt.Fprintln(w, "--\t--\t----\t-------\t--------\t-----")

	for _, msg := range messages {
		content := msg.Body
		if msg.Filename != "" {
			content = msg.Filename
		}
		content = truncate(strings.ReplaceAll(content, "\n", " "), 40)

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(msg.ID),
			phone.Display(msg.To),
			msg.Kind,
			content,
			msg.CapturedAt.Format("2006-01-02 15:04"),
			truncate(msg.SimulatedErr, 30),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d message(s)\n", len(messages))

	return nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	_, store, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	msg, err := store.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message not found: %s", args[0])
	}

	fmt.Printf("ID:        %s\n", msg.ID)
	fmt.Printf("To:        %s\n", phone.Display(msg.To))
	fmt.Printf("Kind:      %s\n", msg.Kind)
	fmt.Printf("Captured:  %s\n", msg.CapturedAt.Format(time.RFC3339))
	if msg.Filename != "" {
		fmt.Printf("File:      %s (%s, %d bytes)\n", msg.Filename, msg.MIMEType, msg.Size)
	}
	if msg.SimulatedErr != "" {
		fmt.Printf("Error:     %s\n", msg.SimulatedErr)
	}
	if msg.Body != "" {
		fmt.Println()
		fmt.Println(msg.Body)
	}

	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	if !sandboxClearAll && sandboxClearOlder <= 0 {
		return fmt.Errorf("use --all or --older-than")
	}

	_, store, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	var olderThan time.Duration
	if !sandboxClearAll {
		olderThan = sandboxClearOlder
	}

	count, err := store.Clear(context.Background(), olderThan)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}

	fmt.Printf("Cleared %d message(s)\n", count)
	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	_, store, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Println("Sandbox Statistics")
	fmt.Println("==================")
	fmt.Printf("Total messages:  %d\n", stats.Total)
	fmt.Printf("Recipients:      %d\n", stats.Recipients)
	fmt.Printf("Simulated fails: %d\n", stats.Failed)
	fmt.Printf("Total size:      %s\n", formatBytes(stats.TotalSize))
	if stats.Total > 0 {
		fmt.Printf("Oldest:          %s\n", stats.OldestAt.Format(time.RFC3339))
		fmt.Printf("Newest:          %s\n", stats.NewestAt.Format(time.RFC3339))
	}

	if len(stats.ByKind) > 0 {
		fmt.Println()
		fmt.Println("By kind:")
		for kind, n := range stats.ByKind {
			fmt.Printf("  %-10s %d\n", kind, n)
		}
	}

	return nil
}

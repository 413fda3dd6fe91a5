package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/wablast/internal/antiban"
)

var antibanCmd = &cobra.Command{
	Use:   "antiban",
	Short: "Anti-ban throttle settings",
	Long: `Show the configured anti-ban settings. Live counters are kept in the
server's memory; query GET /api/messages/antiban for them.`,
}

var antibanTiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "List account tiers and their send ceilings",
	RunE:  runAntibanTiers,
}

var antibanShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the configured throttle settings",
	RunE:  runAntibanShow,
}

func init() {
	antibanCmd.AddCommand(antibanTiersCmd, antibanShowCmd)
	rootCmd.AddCommand(antibanCmd)
}

func runAntibanTiers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	throttle := antiban.New(cfg.Antiban)
	current := throttle.Tier().Name

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tPER HOUR\tPER DAY\tPER WEEK\tDELAY x\t")
	fmt.Fprintln(w, "----\t--------\t-------\t--------\t-------\t")
	for _, t := range throttle.Tiers() {
		marker := ""
		if t.Name == current {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\t%s\n", t.Name, t.PerHour, t.PerDay, t.PerWeek, t.DelayMultiplier, marker)
	}
	w.Flush()

	return nil
}

func runAntibanShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a := cfg.Antiban
	throttle := antiban.New(a)
	tier := throttle.Tier()

	fmt.Printf("Tier:                   %s (%d/h, %d/day, %d/week)\n", tier.Name, tier.PerHour, tier.PerDay, tier.PerWeek)
	fmt.Printf("Base delay:             %s (jitter %.0f%%)\n", a.BaseDelay, a.Jitter*100)
	fmt.Printf("Delay for first send:   %s (approx.)\n", throttle.ComputeDelay(false).Round(time.Millisecond))
	fmt.Printf("After-error delay:      %s\n", a.AfterErrorDelay)
	fmt.Printf("Max consecutive errors: %d (then pause %s)\n", a.MaxConsecutiveErrors, a.PauseDuration)
	fmt.Printf("Per-recipient limit:    %d per hour\n", a.PerRecipientLimit)
	if a.ActiveHours.Start == a.ActiveHours.End {
		fmt.Printf("Active hours:           always\n")
	} else {
		fmt.Printf("Active hours:           %02d:00-%02d:00\n", a.ActiveHours.Start, a.ActiveHours.End)
	}

	return nil
}

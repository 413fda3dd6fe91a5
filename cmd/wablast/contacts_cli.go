package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/wablast/internal/contacts"
	"github.com/foxzi/wablast/internal/phone"
)

var (
	contactsListSearch   string
	contactsListSelected bool
	contactsListLimit    int
	contactsImportGroup  uint64
	contactsExportBlank  bool
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Contact list commands",
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts",
	RunE:  runContactsList,
}

var contactsImportCmd = &cobra.Command{
	Use:   "import <file.xlsx|file.csv>",
	Short: "Import contacts from a spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE:  runContactsImport,
}

var contactsExportCmd = &cobra.Command{
	Use:   "export <file.xlsx>",
	Short: "Export contacts to a spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE:  runContactsExport,
}

var contactsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show contact statistics",
	RunE:  runContactsStats,
}

func init() {
	contactsListCmd.Flags().StringVar(&contactsListSearch, "search", "", "Search name, phone, email or company")
	contactsListCmd.Flags().BoolVar(&contactsListSelected, "selected", false, "Only selected contacts")
	contactsListCmd.Flags().IntVar(&contactsListLimit, "limit", 100, "Maximum number of contacts")

	contactsImportCmd.Flags().Uint64Var(&contactsImportGroup, "group", 0, "Assign imported contacts to this group ID")

	contactsExportCmd.Flags().BoolVar(&contactsExportBlank, "template", false, "Write an empty import template instead")

	contactsCmd.AddCommand(contactsListCmd, contactsImportCmd, contactsExportCmd, contactsStatsCmd)
	rootCmd.AddCommand(contactsCmd)
}

func runContactsList(cmd *cobra.Command, args []string) error {
	cfg, db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := contacts.NewStore(db, cfg.WhatsApp.CountryCode)
	if err != nil {
		return err
	}

	filter := contacts.ListFilter{
		Search: contactsListSearch,
		Limit:  contactsListLimit,
	}
	if contactsListSelected {
		selected := true
		filter.Selected = &selected
	}

	list, err := store.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list contacts: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No contacts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPHONE\tCOMPANY\tSELECTED")
	fmt.Fprintln(w, "--\t----\t-----\t-------\t--------")

	for _, c := range list {
		selected := ""
		if c.Selected {
			selected = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			c.ID,
			truncate(c.Name, 30),
			phone.Display(c.Phone),
			truncate(c.Company, 20),
			selected,
		)
	}

	w.Flush()
	fmt.Printf("\nShown: %d contact(s)\n", len(list))

	return nil
}

func runContactsImport(cmd *cobra.Command, args []string) error {
	cfg, db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := contacts.NewStore(db, cfg.WhatsApp.CountryCode)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	importer := contacts.NewImporter(store, nil)
	result, err := importer.Import(context.Background(), filepath.Base(args[0]), f, contacts.ImportOptions{
		GroupID: contactsImportGroup,
	})
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Printf("Imported:   %d\n", result.Imported)
	fmt.Printf("Duplicates: %d\n", result.Duplicates)
	fmt.Printf("Invalid:    %d\n", result.Invalid)
	for _, re := range result.Errors {
		fmt.Printf("  row %d: %s\n", re.Row, re.Reason)
	}

	return nil
}

func runContactsExport(cmd *cobra.Command, args []string) error {
	out, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	exporter := contacts.NewExporter()

	if contactsExportBlank {
		if err := exporter.WriteTemplate(out); err != nil {
			return fmt.Errorf("failed to write template: %w", err)
		}
		fmt.Printf("Template written to %s\n", args[0])
		return nil
	}

	cfg, db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := contacts.NewStore(db, cfg.WhatsApp.CountryCode)
	if err != nil {
		return err
	}

	ctx := context.Background()
	list, err := store.List(ctx, contacts.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list contacts: %w", err)
	}

	if err := exporter.WriteXLSX(ctx, out, list); err != nil {
		return fmt.Errorf("failed to export contacts: %w", err)
	}

	fmt.Printf("Exported %d contact(s) to %s\n", len(list), args[0])
	return nil
}

func runContactsStats(cmd *cobra.Command, args []string) error {
	cfg, db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := contacts.NewStore(db, cfg.WhatsApp.CountryCode)
	if err != nil {
		return err
	}

	stats, err := store.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Println("Contact Statistics")
	fmt.Println("==================")
	fmt.Printf("Total:      %d\n", stats.Total)
	fmt.Printf("Selected:   %d\n", stats.Selected)
	fmt.Printf("With email: %d\n", stats.WithEmail)
	fmt.Printf("Grouped:    %d\n", stats.Grouped)
	fmt.Printf("Groups:     %d\n", stats.Groups)

	return nil
}

package contacts

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/foxzi/wablast/internal/phone"
)

const exportSheet = "Contacts"

var standardHeader = []string{"Name", "Phone", "Email", "Company"}

// Exporter writes contact lists as Excel workbooks
type Exporter struct{}

// NewExporter creates an exporter
func NewExporter() *Exporter {
	return &Exporter{}
}

// WriteXLSX writes the contacts to w as a single-sheet workbook
func (e *Exporter) WriteXLSX(ctx context.Context, w io.Writer, list []*Contact) error {
	customKeys := collectCustomKeys(list)

	header := make([]interface{}, 0, len(standardHeader)+len(customKeys)+2)
	for _, h := range standardHeader {
		header = append(header, h)
	}
	for _, k := range customKeys {
		header = append(header, k)
	}
	header = append(header, "Selected", "Imported At")

	f, err := newWorkbook()
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, c := range list {
		if err := ctx.Err(); err != nil {
			return err
		}

		row := make([]interface{}, 0, len(header))
		row = append(row, c.Name, phone.Display(c.Phone), c.Email, c.Company)
		for _, k := range customKeys {
			row = append(row, c.CustomFields[k])
		}
		selected := "no"
		if c.Selected {
			selected = "yes"
		}
		row = append(row, selected, c.ImportedAt.Format("2006-01-02 15:04"))

		axis, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(exportSheet, axis, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// WriteTemplate writes an empty import template with the standard header and one sample row
func (e *Exporter) WriteTemplate(w io.Writer) error {
	f, err := newWorkbook()
	if err != nil {
		return err
	}
	defer f.Close()

	header := []interface{}{"Name", "Phone", "Email", "Company"}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	sample := []interface{}{"Budi Santoso", "081234567890", "budi@example.com", "PT Contoh"}
	if err := f.SetSheetRow(exportSheet, "A2", &sample); err != nil {
		return fmt.Errorf("failed to write sample row: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func newWorkbook() (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := f.SetColWidth(exportSheet, "A", "D", 24); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func collectCustomKeys(list []*Contact) []string {
	set := make(map[string]struct{})
	for _, c := range list {
		for k := range c.CustomFields {
			set[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package contacts

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrNoPhoneColumn is returned when the header row has no recognizable phone column
	ErrNoPhoneColumn = errors.New("no phone column found in header")
	// ErrUnsupportedFormat is returned for files that are neither .xlsx nor .csv
	ErrUnsupportedFormat = errors.New("unsupported file format, expected .xlsx or .csv")
)

// Header aliases, matched case-insensitively after trimming
var headerAliases = map[string][]string{
	"name":    {"name", "nama", "full name", "contact", "contact name"},
	"phone":   {"phone", "phone number", "no hp", "no. hp", "nomor", "nomor hp", "number", "whatsapp", "wa", "mobile"},
	"email":   {"email", "e-mail"},
	"company": {"company", "perusahaan", "organization"},
}

// RowError describes a row that was not imported
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// ImportResult summarizes an import
type ImportResult struct {
	Imported   int        `json:"imported"`
	Duplicates int        `json:"duplicates"`
	Invalid    int        `json:"invalid"`
	Errors     []RowError `json:"errors,omitempty"`
}

// ImportOptions controls an import
type ImportOptions struct {
	// GroupID assigns every imported contact to this group when non-zero
	GroupID uint64
}

// Importer reads contact lists from spreadsheets
type Importer struct {
	store  *Store
	logger *slog.Logger
}

// NewImporter creates an importer writing into store
func NewImporter(store *Store, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, logger: logger.With("component", "importer")}
}

// Import parses the file and stores its contacts. The format is chosen by the file extension.
func (i *Importer) Import(ctx context.Context, filename string, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	var (
		rows [][]string
		err  error
	)

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		rows, err = readXLSX(r)
	case ".csv":
		rows, err = readCSV(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
	if err != nil {
		return nil, err
	}

	result, err := i.importRows(ctx, rows, opts)
	if err != nil {
		return nil, err
	}

	i.logger.Info("contacts imported",
		"file", filename,
		"imported", result.Imported,
		"duplicates", result.Duplicates,
		"invalid", result.Invalid,
	)

	return result, nil
}

type columnMap struct {
	name, phone, email, company int
	custom                      map[int]string
}

func mapHeader(header []string) (*columnMap, error) {
	cols := &columnMap{name: -1, phone: -1, email: -1, company: -1, custom: make(map[int]string)}

	for idx, raw := range header {
		h := strings.ToLower(strings.Join(strings.Fields(raw), " "))
		if h == "" {
			continue
		}
		field := ""
		for name, aliases := range headerAliases {
			for _, alias := range aliases {
				if h == alias {
					field = name
				}
			}
		}

		switch {
		case field == "name" && cols.name < 0:
			cols.name = idx
		case field == "phone" && cols.phone < 0:
			cols.phone = idx
		case field == "email" && cols.email < 0:
			cols.email = idx
		case field == "company" && cols.company < 0:
			cols.company = idx
		case field == "":
			cols.custom[idx] = h
		}
	}

	if cols.phone < 0 {
		return nil, ErrNoPhoneColumn
	}
	return cols, nil
}

func (i *Importer) importRows(ctx context.Context, rows [][]string, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}
	if len(rows) == 0 {
		return nil, ErrNoPhoneColumn
	}

	cols, err := mapHeader(rows[0])
	if err != nil {
		return nil, err
	}

	var (
		batch   []*Contact
		rowNums []int
		seen    = make(map[string]bool)
	)

	for n, row := range rows[1:] {
		rowNum := n + 2
		if isEmptyRow(row) {
			continue
		}

		rawPhone := cleanNumericCell(cell(row, cols.phone))
		normalized, err := i.store.NormalizePhone(rawPhone)
		if err != nil {
			result.Invalid++
			result.Errors = append(result.Errors, RowError{Row: rowNum, Reason: fmt.Sprintf("invalid phone %q", rawPhone)})
			continue
		}
		if seen[normalized] {
			result.Duplicates++
			result.Errors = append(result.Errors, RowError{Row: rowNum, Reason: "phone repeated in file"})
			continue
		}
		seen[normalized] = true

		c := &Contact{
			Name:    cell(row, cols.name),
			Phone:   normalized,
			Email:   cell(row, cols.email),
			Company: cell(row, cols.company),
			GroupID: opts.GroupID,
		}
		for idx, key := range cols.custom {
			if v := cell(row, idx); v != "" {
				if c.CustomFields == nil {
					c.CustomFields = make(map[string]string)
				}
				c.CustomFields[key] = v
			}
		}

		batch = append(batch, c)
		rowNums = append(rowNums, rowNum)
	}

	errs, err := i.store.CreateMany(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to store contacts: %w", err)
	}

	for idx, itemErr := range errs {
		switch {
		case itemErr == nil:
			result.Imported++
		case errors.Is(itemErr, ErrDuplicatePhone):
			result.Duplicates++
			result.Errors = append(result.Errors, RowError{Row: rowNums[idx], Reason: "phone already exists"})
		case errors.Is(itemErr, ErrNotFound):
			return nil, fmt.Errorf("group %d: %w", opts.GroupID, ErrNotFound)
		default:
			result.Invalid++
			result.Errors = append(result.Errors, RowError{Row: rowNums[idx], Reason: itemErr.Error()})
		}
	}

	return result, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	// Spreadsheets exported with a comma decimal separator use ';'
	firstLine, _, _ := bytes.Cut(data, []byte("\n"))
	if bytes.Count(firstLine, []byte(";")) > bytes.Count(firstLine, []byte(",")) {
		reader.Comma = ';'
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	return rows, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// cleanNumericCell turns numbers that a spreadsheet rendered in scientific
// notation ("6.28123456789E+12") back into plain digits.
func cleanNumericCell(v string) string {
	if !strings.ContainsAny(v, "eE") {
		return v
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return v
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

package filematch

import (
	"testing"

	"github.com/foxzi/wablast/internal/contacts"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Budi Santoso", "budi santoso"},
		{"  BUDI   santoso ", "budi santoso"},
		{"José Müller", "jose muller"},
		{"budi_santoso-2024", "budi santoso 2024"},
		{"PT. Maju (Jaya)", "pt maju jaya"},
		{"", ""},
		{"---", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Budi_Santoso.pdf", "budi santoso"},
		{"invoice.final.PDF", "invoice final"},
		{"noext", "noext"},
	}

	for _, tt := range tests {
		if got := NormalizeFilename(tt.in); got != tt.want {
			t.Errorf("NormalizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		contact  string
		filename string
		want     float64
	}{
		{"exact", "Budi Santoso", "budi_santoso.pdf", 1.0},
		{"accent folded exact", "José", "jose.pdf", 1.0},
		{"file contains name", "Budi Santoso", "Invoice Budi Santoso 2024.pdf", 0.9},
		{"name contains file", "Budi Santoso Wijaya", "santoso.pdf", 0.8},
		{"name contains partial file", "Budi Santoso", "santo.pdf", 0.8},
		{"name contains joined file", "Budi Santoso Wijaya", "santosowijaya.pdf", 0.8},
		{"joined words are exact", "Budi Santoso", "budisantoso.pdf", 1.0},
		{"joined contact name", "BudiSantoso", "budi-santoso.pdf", 1.0},
		{"short file falls back to tokens", "Budi Al", "al.pdf", 0.35},
		{"all tokens scattered", "Budi Santoso", "santoso-x-budi.pdf", 0.7},
		{"half tokens", "Budi Santoso", "budi-wijaya.pdf", 0.35},
		{"partial word is not a match", "Ana", "diana.pdf", 0},
		{"no overlap", "Budi", "siti.pdf", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.contact, tt.filename)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Score(%q, %q) = %v, want %v", tt.contact, tt.filename, got, tt.want)
			}
		})
	}
}

func TestMatcher_Match(t *testing.T) {
	files := []string{"Budi Santoso.pdf", "invoice-budi-santoso-long.pdf", "siti.pdf", "random.txt"}
	m := New(0)

	tests := []struct {
		name        string
		contact     string
		assignments map[string]string
		wantFile    string
		wantSource  Source
	}{
		{"exact wins", "Budi Santoso", nil, "Budi Santoso.pdf", SourceAuto},
		{"no candidate", "Rina", nil, "", SourceNone},
		{"below threshold", "Budi Wijaya", nil, "", SourceNone},
		{"manual overrides", "budi santoso", map[string]string{"budi santoso": "random.txt"}, "random.txt", SourceManual},
		{"manual missing", "Budi Santoso", map[string]string{"budi santoso": "gone.pdf"}, "", SourceManualMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(tt.contact, files, tt.assignments)
			if got.Filename != tt.wantFile || got.Source != tt.wantSource {
				t.Errorf("Match(%q) = %+v, want file %q source %s", tt.contact, got, tt.wantFile, tt.wantSource)
			}
		})
	}
}

func TestMatcher_TieBreak(t *testing.T) {
	m := New(0)

	got := m.Match("Budi", []string{"budi-invoice.pdf", "budi-a.pdf", "budi-b.pdf"}, nil)
	if got.Filename != "budi-a.pdf" {
		t.Errorf("Match() = %q, want shortest then lexical %q", got.Filename, "budi-a.pdf")
	}
	if got.Score != scoreFileHasName {
		t.Errorf("Match() score = %v, want %v", got.Score, scoreFileHasName)
	}
}

func TestMatcher_MinScore(t *testing.T) {
	strict := New(0.8)
	got := strict.Match("Budi Santoso", []string{"santoso-budi-x.pdf"}, nil)
	if got.Matched() {
		t.Errorf("Match() with min score 0.8 = %+v, want no match", got)
	}

	if New(-1).MinScore() != DefaultMinScore {
		t.Errorf("MinScore() should default to %v", DefaultMinScore)
	}
}

func TestMatcher_MatchAll(t *testing.T) {
	list := []*contacts.Contact{
		{ID: 1, Name: "Budi Santoso", Phone: "6281200000001"},
		{ID: 2, Name: "Siti", Phone: "6281200000002"},
		{ID: 3, Name: "Rina", Phone: "6281200000003"},
	}
	files := []string{"budi santoso.pdf", "other.pdf"}
	assignments := map[string]string{"siti": "other.pdf"}

	got := New(0).MatchAll(list, files, assignments)
	if len(got) != 3 {
		t.Fatalf("MatchAll() returned %d results, want 3", len(got))
	}

	want := []struct {
		file   string
		source Source
	}{
		{"budi santoso.pdf", SourceAuto},
		{"other.pdf", SourceManual},
		{"", SourceNone},
	}
	for i, w := range want {
		if got[i].ContactID != list[i].ID || got[i].Filename != w.file || got[i].Source != w.source {
			t.Errorf("MatchAll()[%d] = %+v, want file %q source %s", i, got[i], w.file, w.source)
		}
	}
}

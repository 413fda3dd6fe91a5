package filematch

import (
	"strings"

	"github.com/foxzi/wablast/internal/contacts"
)

// DefaultMinScore is the lowest score accepted as an automatic match
const DefaultMinScore = 0.5

// Source tells how a file was chosen for a contact
type Source string

const (
	SourceManual        Source = "manual"
	SourceManualMissing Source = "manual_missing"
	SourceAuto          Source = "auto"
	SourceNone          Source = "none"
)

// Scores for the matching rules, strongest first
const (
	scoreExact        = 1.0
	scoreFileHasName  = 0.9
	scoreNameHasFile  = 0.8
	scoreTokenWeight  = 0.7
	minFileNameLength = 3
	minTokenLength    = 2
)

// Result is the file chosen for one contact
type Result struct {
	Filename string  `json:"filename,omitempty"`
	Score    float64 `json:"score"`
	Source   Source  `json:"source"`
	// Assigned is the manually assigned filename, set even when the file is missing
	Assigned string `json:"assigned,omitempty"`
}

// Matched reports whether a file was found
func (r Result) Matched() bool {
	return r.Filename != ""
}

// ContactMatch is a Result for a stored contact
type ContactMatch struct {
	ContactID   uint64 `json:"contact_id"`
	ContactName string `json:"contact_name"`
	Phone       string `json:"phone"`
	Result
}

// Matcher pairs contact names with file names
type Matcher struct {
	minScore float64
}

// New creates a Matcher. A non-positive minScore uses DefaultMinScore.
func New(minScore float64) *Matcher {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return &Matcher{minScore: minScore}
}

// MinScore returns the acceptance threshold
func (m *Matcher) MinScore() float64 {
	return m.minScore
}

type indexedFile struct {
	name       string
	normalized string
	compact    string
	tokens     map[string]bool
}

func index(files []string) []indexedFile {
	idx := make([]indexedFile, 0, len(files))
	for _, f := range files {
		n := NormalizeFilename(f)
		toks := make(map[string]bool)
		for _, t := range tokens(n) {
			toks[t] = true
		}
		idx = append(idx, indexedFile{name: f, normalized: n, compact: compact(n), tokens: toks})
	}
	return idx
}

// Match picks the file for a contact. assignments maps contacts.AssignmentKey(name)
// to a file name and takes precedence over scoring.
func (m *Matcher) Match(contactName string, files []string, assignments map[string]string) Result {
	return m.match(contactName, index(files), assignments)
}

// MatchAll matches every contact against the same file listing
func (m *Matcher) MatchAll(list []*contacts.Contact, files []string, assignments map[string]string) []ContactMatch {
	idx := index(files)

	result := make([]ContactMatch, 0, len(list))
	for _, c := range list {
		result = append(result, ContactMatch{
			ContactID:   c.ID,
			ContactName: c.Name,
			Phone:       c.Phone,
			Result:      m.match(c.Name, idx, assignments),
		})
	}
	return result
}

func (m *Matcher) match(contactName string, files []indexedFile, assignments map[string]string) Result {
	if assigned, ok := assignments[contacts.AssignmentKey(contactName)]; ok && assigned != "" {
		for _, f := range files {
			if f.name == assigned {
				return Result{Filename: f.name, Score: scoreExact, Source: SourceManual, Assigned: assigned}
			}
		}
		return Result{Source: SourceManualMissing, Assigned: assigned}
	}

	name := Normalize(contactName)
	if name == "" {
		return Result{Source: SourceNone}
	}
	nameTokens := tokens(name)

	var (
		best      indexedFile
		bestScore float64
		found     bool
	)
	for _, f := range files {
		score := scoreFile(name, nameTokens, f)
		if score <= 0 {
			continue
		}
		if !found || score > bestScore || (score == bestScore && shorter(f.name, best.name)) {
			best, bestScore, found = f, score, true
		}
	}

	if !found || bestScore < m.minScore {
		return Result{Source: SourceNone, Score: bestScore}
	}
	return Result{Filename: best.name, Score: bestScore, Source: SourceAuto}
}

// Score rates how well a file name fits a contact name, from 0 to 1
func Score(contactName, filename string) float64 {
	name := Normalize(contactName)
	if name == "" {
		return 0
	}
	return scoreFile(name, tokens(name), index([]string{filename})[0])
}

func scoreFile(name string, nameTokens []string, f indexedFile) float64 {
	if f.normalized == "" {
		return 0
	}

	nameCompact := compact(name)
	switch {
	case f.normalized == name, f.compact == nameCompact:
		return scoreExact
	case containsWords(f.normalized, name):
		return scoreFileHasName
	case len([]rune(f.compact)) >= minFileNameLength && strings.Contains(nameCompact, f.compact):
		return scoreNameHasFile
	}

	considered, hits := 0, 0
	for _, t := range nameTokens {
		if len([]rune(t)) < minTokenLength {
			continue
		}
		considered++
		if f.tokens[t] {
			hits++
		}
	}
	if considered == 0 {
		return 0
	}
	return float64(hits) / float64(considered) * scoreTokenWeight
}

func shorter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

package template

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	// {Hello|Hi|Hey} with no nested braces
	spinPattern = regexp.MustCompile(`\{([^{}]*\|[^{}]*)\}`)
	// {name}, {first name}, {company_id}
	varPattern = regexp.MustCompile(`\{([\p{L}\p{N}_ \-]+)\}`)
)

// aliases maps alternative placeholder names onto canonical contact fields
var aliases = map[string]string{
	"nama":       "name",
	"full name":  "name",
	"phone":      "phone",
	"no hp":      "phone",
	"nomor":      "phone",
	"perusahaan": "company",
}

// Engine renders message bodies for a single recipient
type Engine struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return NewEngineWithSource(rand.NewSource(time.Now().UnixNano()), time.Now)
}

// NewEngineWithSource creates an engine with a fixed random source and clock
func NewEngineWithSource(src rand.Source, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		rnd: rand.New(src),
		now: now,
	}
}

// Render substitutes placeholders from vars and resolves spintax groups.
// Unknown placeholders are left untouched.
func (e *Engine) Render(text string, vars map[string]string) string {
	if text == "" {
		return ""
	}

	lookup := make(map[string]string, len(vars)+2)
	now := e.now()
	lookup["date"] = now.Format("02/01/2006")
	lookup["time"] = now.Format("15:04")
	for k, v := range vars {
		lookup[strings.ToLower(strings.TrimSpace(k))] = v
	}

	out := varPattern.ReplaceAllStringFunc(text, func(m string) string {
		key := strings.ToLower(strings.TrimSpace(m[1 : len(m)-1]))
		if v, ok := lookup[key]; ok {
			return v
		}
		if canonical, ok := aliases[key]; ok {
			if v, ok := lookup[canonical]; ok {
				return v
			}
		}
		return m
	})

	return e.spin(out)
}

// spin resolves spintax groups innermost first
func (e *Engine) spin(text string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := 0; i < 32 && spinPattern.MatchString(text); i++ {
		text = spinPattern.ReplaceAllStringFunc(text, func(m string) string {
			options := strings.Split(m[1:len(m)-1], "|")
			return options[e.rnd.Intn(len(options))]
		})
	}
	return text
}

// Validate checks that braces are balanced and placeholders are not empty
func (e *Engine) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("message body is empty")
	}

	depth := 0
	for i, r := range text {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return fmt.Errorf("unexpected '}' at position %d", i)
			}
		}
	}
	if depth != 0 {
		return errors.New("unclosed '{' in message body")
	}
	if strings.Contains(text, "{}") {
		return errors.New("empty placeholder in message body")
	}
	return nil
}

// Placeholders returns the distinct placeholder names used in text
func Placeholders(text string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range varPattern.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(strings.TrimSpace(m[1]))
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

package contacts

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a contact, group or assignment does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidPhone is returned when a phone number cannot be normalized into a valid number
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrDuplicatePhone is returned when another contact already uses the phone number
	ErrDuplicatePhone = errors.New("phone number already exists")
	// ErrDuplicateGroup is returned when a group name is already taken
	ErrDuplicateGroup = errors.New("group already exists")
)

// Contact is a blast recipient
type Contact struct {
	ID           uint64            `json:"id"`
	Name         string            `json:"name"`
	Phone        string            `json:"phone"`
	Email        string            `json:"email,omitempty"`
	Company      string            `json:"company,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	Selected     bool              `json:"selected"`
	GroupID      uint64            `json:"group_id,omitempty"`
	ImportedAt   time.Time         `json:"imported_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Vars returns the placeholder values used when rendering a message for this contact.
// Standard fields win over custom fields with the same name.
func (c *Contact) Vars() map[string]string {
	vars := make(map[string]string, len(c.CustomFields)+4)
	for k, v := range c.CustomFields {
		vars[strings.ToLower(strings.TrimSpace(k))] = v
	}
	vars["name"] = c.Name
	vars["phone"] = c.Phone
	vars["email"] = c.Email
	vars["company"] = c.Company
	return vars
}

// Group is a named set of contacts. A contact belongs to at most one group.
type Group struct {
	ID        uint64    `json:"id"`
	Name      string    `json:"name"`
	Members   int       `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment links a contact name to a document, overriding heuristic matching
type Assignment struct {
	ContactName string    `json:"contact_name"`
	Filename    string    `json:"filename"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListFilter contains filters for listing contacts
type ListFilter struct {
	Search   string
	GroupID  uint64
	Selected *bool
	Limit    int
	Offset   int
}

// Stats contains contact statistics
type Stats struct {
	Total     int `json:"total"`
	Selected  int `json:"selected"`
	WithEmail int `json:"with_email"`
	Grouped   int `json:"grouped"`
	Groups    int `json:"groups"`
}

// AssignmentKey normalizes a contact name for assignment lookups
func AssignmentKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func (c *Contact) matches(search string) bool {
	if search == "" {
		return true
	}
	search = strings.ToLower(search)
	for _, field := range []string{c.Name, c.Phone, c.Email, c.Company} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

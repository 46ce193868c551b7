package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role is the legislative house a legislator belongs to
type Role string

const (
	RoleDeputy  Role = "deputy"
	RoleSenator Role = "senator"
	RoleUnknown Role = "unknown"
)

// ParseRole maps Portuguese and English role names to a Role.
// Anything unrecognised is RoleUnknown.
func ParseRole(s string) Role {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(v, "deputad"), strings.HasPrefix(v, "deputy"):
		return RoleDeputy
	case strings.HasPrefix(v, "senador"), strings.HasPrefix(v, "senator"):
		return RoleSenator
	default:
		return RoleUnknown
	}
}

// UnmarshalJSON accepts any spelling ParseRole understands, so "Deputy",
// "deputado" and "deputy" decode to the same role. Empty stays empty.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		*r = ""
		return nil
	}
	*r = ParseRole(s)
	return nil
}

// Title returns the Portuguese title used in messages and listings
func (r Role) Title() string {
	switch r {
	case RoleDeputy:
		return "Deputado"
	case RoleSenator:
		return "Senador"
	default:
		return "Parlamentar"
	}
}

// Legislator is one row of the imported contact directory
type Legislator struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Party   string `json:"party"`
	State   string `json:"state"` // two-letter UF, upper case
	Role    Role   `json:"role"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Office  string `json:"office,omitempty"`
	Address string `json:"address,omitempty"`
}

// HasContact reports whether the legislator can be reached by email or phone
func (l *Legislator) HasContact() bool {
	return l.Email != "" || l.Phone != ""
}

// Criteria selects legislators. Empty fields impose no constraint.
type Criteria struct {
	Name  string `json:"name,omitempty"` // case-insensitive substring
	Party string `json:"party,omitempty"`
	State string `json:"state,omitempty"`
	Role  Role   `json:"role,omitempty"`
}

// IsEmpty reports whether the criteria match every record
func (c Criteria) IsEmpty() bool {
	return c.Name == "" && c.Party == "" && c.State == "" && c.Role == ""
}

// Facets lists the distinct filter values present in a record set
type Facets struct {
	Parties []string `json:"parties"`
	States  []string `json:"states"`
	Roles   []Role   `json:"roles"`
}

// ImportResult holds the outcome of a spreadsheet import
type ImportResult struct {
	Profile     string       `json:"profile"` // camara, senado, generic
	Total       int          `json:"total"`
	Imported    int          `json:"imported"`
	Skipped     int          `json:"skipped"`
	Issues      []RowIssue   `json:"issues,omitempty"`
	Legislators []Legislator `json:"legislators"`
}

// RowIssue explains why a source row was not imported
type RowIssue struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// HistoryEntry records one completed send batch
type HistoryEntry struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	SenderName     string    `json:"sender_name"`
	SenderEmail    string    `json:"sender_email"`
	RecipientCount int       `json:"recipient_count"`
	SentCount      int       `json:"sent_count"`
	FailedCount    int       `json:"failed_count"`
	CreatedAt      time.Time `json:"created_at"`
}

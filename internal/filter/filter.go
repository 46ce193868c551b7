// Package filter selects legislators for a send batch.
package filter

import (
	"sort"
	"strings"

	"github.com/foxzi/legismail/internal/mailer"
	"github.com/foxzi/legismail/internal/models"
)

// Apply returns the records matching every non-empty criterion, in input
// order. Name is a case-insensitive substring match; party, state and role
// must match exactly (state ignoring case).
func Apply(records []models.Legislator, c models.Criteria) []models.Legislator {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	party := strings.TrimSpace(c.Party)
	state := strings.ToUpper(strings.TrimSpace(c.State))

	out := make([]models.Legislator, 0, len(records))
	for _, r := range records {
		if name != "" && !strings.Contains(strings.ToLower(r.Name), name) {
			continue
		}
		if party != "" && r.Party != party {
			continue
		}
		if state != "" && strings.ToUpper(r.State) != state {
			continue
		}
		if c.Role != "" && r.Role != c.Role {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Select keeps the records whose ID is in ids, preserving record order.
// Unknown IDs are ignored.
func Select(records []models.Legislator, ids []int64) []models.Legislator {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	out := make([]models.Legislator, 0, len(ids))
	for _, r := range records {
		if want[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

// Facets lists the distinct parties, states and roles, sorted.
func Facets(records []models.Legislator) models.Facets {
	parties := make(map[string]bool)
	states := make(map[string]bool)
	roles := make(map[models.Role]bool)

	for _, r := range records {
		if r.Party != "" {
			parties[r.Party] = true
		}
		if r.State != "" {
			states[r.State] = true
		}
		roles[r.Role] = true
	}

	f := models.Facets{
		Parties: sortedKeys(parties),
		States:  sortedKeys(states),
		Roles:   make([]models.Role, 0, len(roles)),
	}
	for role := range roles {
		f.Roles = append(f.Roles, role)
	}
	sort.Slice(f.Roles, func(i, j int) bool { return f.Roles[i] < f.Roles[j] })
	return f
}

// MissingEmail counts records that cannot receive a message
func MissingEmail(records []models.Legislator) int {
	n := 0
	for _, r := range records {
		if strings.TrimSpace(r.Email) == "" {
			n++
		}
	}
	return n
}

// Recipients projects records to mailer recipients, keeping records
// without an email so the mailer reports them as skipped.
func Recipients(records []models.Legislator) []mailer.Recipient {
	out := make([]mailer.Recipient, len(records))
	for i, r := range records {
		out[i] = mailer.Recipient{Name: r.Name, Email: r.Email}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

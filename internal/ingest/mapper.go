package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/foxzi/legismail/internal/models"
)

// Field is a canonical legislator attribute
type Field string

const (
	FieldName    Field = "name"
	FieldParty   Field = "party"
	FieldState   Field = "state"
	FieldRole    Field = "role"
	FieldEmail   Field = "email"
	FieldPhone   Field = "phone"
	FieldOffice  Field = "office"
	FieldAddress Field = "address"
)

// fieldOrder is the resolution order for generic mapping and the column
// order of canonical CSV output.
var fieldOrder = []Field{
	FieldName, FieldParty, FieldState, FieldRole,
	FieldEmail, FieldPhone, FieldOffice, FieldAddress,
}

var requiredFields = []Field{FieldName, FieldParty, FieldState}

// ErrNoRecords is returned when no row survives validation
var ErrNoRecords = errors.New("no valid legislator records found")

// MissingColumnsError names the required fields the header could not supply
type MissingColumnsError struct {
	Fields []Field
}

func (e *MissingColumnsError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = string(f)
	}
	return fmt.Sprintf("missing required columns: %s", strings.Join(names, ", "))
}

// Profile is a known export layout recognised by its signature headers.
// Headers are in normalized form.
type Profile struct {
	Name      string
	Signature []string
	// AnyOf requires at least one of these headers when set.
	AnyOf []string
	// Exclude disables the profile when any of these headers is present.
	Exclude []string
	Columns map[Field][]string
	Role    models.Role
}

// Profiles are checked in order; the first whose signature matches wins.
var Profiles = []Profile{
	{
		Name:      "camara",
		Signature: []string{"nome parlamentar"},
		Columns: map[Field][]string{
			FieldName:    {"nome parlamentar"},
			FieldParty:   {"partido"},
			FieldState:   {"uf"},
			FieldEmail:   {"correio eletronico"},
			FieldPhone:   {"telefone"},
			FieldOffice:  {"gabinete"},
			FieldAddress: {"endereco", "endereco (continuacao)", "endereco (complemento)"},
		},
		Role: models.RoleDeputy,
	},
	{
		Name:      "senado",
		Signature: []string{"nome", "partido"},
		AnyOf:     []string{"correio eletronico", "telefones"},
		Exclude:   []string{"cargo", "role", "tipo"},
		Columns: map[Field][]string{
			FieldName:  {"nome"},
			FieldParty: {"partido"},
			FieldState: {"uf"},
			FieldEmail: {"correio eletronico"},
			FieldPhone: {"telefones"},
		},
		Role: models.RoleSenator,
	},
}

// ProfileGeneric names mappings resolved through the alias table
const ProfileGeneric = "generic"

// aliases are exact normalized header names per field, in priority order.
var aliases = map[Field][]string{
	FieldName:    {"name", "nome", "nome_parlamentar", "nome completo", "nome parlamentar"},
	FieldParty:   {"party", "partido", "sigla_partido", "siglapartido", "sigla partido"},
	FieldState:   {"state", "uf", "estado", "sigla_uf", "sigla uf"},
	FieldRole:    {"role", "cargo", "tipo", "titular/suplente/efetivado"},
	FieldEmail:   {"email", "e-mail", "email_gabinete", "email_parlamentar", "email do parlamentar", "correio eletronico"},
	FieldPhone:   {"phone", "telefone", "telefones", "fone"},
	FieldOffice:  {"office", "gabinete"},
	FieldAddress: {"address", "endereco"},
}

// keywords are substring fallbacks tried against headers no alias claimed.
var keywords = map[Field][]string{
	FieldName:    {"nome", "name"},
	FieldParty:   {"partido", "party"},
	FieldState:   {"estado", "uf"},
	FieldRole:    {"cargo"},
	FieldEmail:   {"mail", "correio"},
	FieldPhone:   {"fone", "phone"},
	FieldOffice:  {"gabinete"},
	FieldAddress: {"endereco", "address"},
}

// Mapping binds canonical fields to column positions of a table
type Mapping struct {
	Profile string
	Columns map[Field][]int
	Role    models.Role // fixed role; empty means read from the role column
}

// ResolveMapping maps a header row to canonical fields.
func ResolveMapping(header []string) (*Mapping, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		n := normalizeHeader(h)
		if n == "" {
			continue
		}
		if _, dup := index[n]; !dup {
			index[n] = i
		}
	}

	var m *Mapping
	for _, p := range Profiles {
		if p.matches(index) {
			m = p.mapping(index)
			m.fillFrom(genericMapping(header, index))
			break
		}
	}
	if m == nil {
		m = genericMapping(header, index)
	}

	var missing []Field
	for _, f := range requiredFields {
		if len(m.Columns[f]) == 0 {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Fields: missing}
	}

	return m, nil
}

func (p Profile) matches(index map[string]int) bool {
	for _, h := range p.Signature {
		if _, ok := index[h]; !ok {
			return false
		}
	}
	for _, h := range p.Exclude {
		if _, ok := index[h]; ok {
			return false
		}
	}
	if len(p.AnyOf) == 0 {
		return true
	}
	for _, h := range p.AnyOf {
		if _, ok := index[h]; ok {
			return true
		}
	}
	return false
}

func (p Profile) mapping(index map[string]int) *Mapping {
	m := &Mapping{Profile: p.Name, Columns: make(map[Field][]int), Role: p.Role}
	for f, headers := range p.Columns {
		for _, h := range headers {
			if i, ok := index[h]; ok {
				m.Columns[f] = append(m.Columns[f], i)
			}
		}
	}
	return m
}

// fillFrom takes fields the profile left unresolved from g, skipping
// columns already bound. A fixed role is never overridden.
func (m *Mapping) fillFrom(g *Mapping) {
	used := make(map[int]bool)
	for _, cols := range m.Columns {
		for _, i := range cols {
			used[i] = true
		}
	}
	for _, f := range fieldOrder {
		if len(m.Columns[f]) > 0 || (f == FieldRole && m.Role != "") {
			continue
		}
		for _, i := range g.Columns[f] {
			if !used[i] {
				m.Columns[f] = append(m.Columns[f], i)
				used[i] = true
			}
		}
	}
}

func genericMapping(header []string, index map[string]int) *Mapping {
	m := &Mapping{Profile: ProfileGeneric, Columns: make(map[Field][]int)}
	used := make(map[int]bool)

	for _, f := range fieldOrder {
		for _, a := range aliases[f] {
			if i, ok := index[a]; ok && !used[i] {
				m.Columns[f] = []int{i}
				used[i] = true
				break
			}
		}
	}

	for _, f := range fieldOrder {
		if len(m.Columns[f]) > 0 {
			continue
		}
	search:
		for i, h := range header {
			if used[i] {
				continue
			}
			n := normalizeHeader(h)
			for _, kw := range keywords[f] {
				if strings.Contains(n, kw) {
					m.Columns[f] = []int{i}
					used[i] = true
					break search
				}
			}
		}
	}

	return m
}

// Mapper converts tables into legislator records
type Mapper struct {
	// Strict drops rows that have neither email nor phone.
	Strict bool
}

// NewMapper creates a mapper; strict selects the stricter row validity rule
func NewMapper(strict bool) *Mapper {
	return &Mapper{Strict: strict}
}

// Map resolves the column mapping and converts every row. Rows that fail
// validation are reported in the result, never as an error.
func (m *Mapper) Map(t *Table) (*models.ImportResult, error) {
	mapping, err := ResolveMapping(t.Header)
	if err != nil {
		return nil, err
	}

	result := &models.ImportResult{Profile: mapping.Profile}

	for _, row := range t.Rows {
		if row.Err == nil && blank(row.Cells) {
			continue
		}
		result.Total++

		if row.Err != nil {
			result.Skipped++
			result.Issues = append(result.Issues, models.RowIssue{Line: row.Line, Reason: row.Err.Error()})
			continue
		}

		l := mapping.legislator(row.Cells)
		if reason := m.reject(&l); reason != "" {
			result.Skipped++
			result.Issues = append(result.Issues, models.RowIssue{Line: row.Line, Reason: reason})
			continue
		}

		result.Legislators = append(result.Legislators, l)
		result.Imported++
	}

	if result.Imported == 0 {
		return result, fmt.Errorf("%w (%d rows skipped)", ErrNoRecords, result.Skipped)
	}

	return result, nil
}

func (m *Mapper) reject(l *models.Legislator) string {
	if l.Name == "" {
		return "missing name"
	}
	if m.Strict && !l.HasContact() {
		return "missing email and phone"
	}
	return ""
}

func (mp *Mapping) legislator(cells []string) models.Legislator {
	l := models.Legislator{
		Name:    mp.value(cells, FieldName),
		Party:   mp.value(cells, FieldParty),
		State:   strings.ToUpper(mp.value(cells, FieldState)),
		Email:   mp.value(cells, FieldEmail),
		Phone:   mp.value(cells, FieldPhone),
		Office:  mp.value(cells, FieldOffice),
		Address: mp.value(cells, FieldAddress),
		Role:    mp.Role,
	}
	if l.Role == "" {
		l.Role = models.ParseRole(mp.value(cells, FieldRole))
	}
	return l
}

// value joins every non-empty cell mapped to f with a single space.
func (mp *Mapping) value(cells []string, f Field) string {
	var parts []string
	for _, i := range mp.Columns[f] {
		if i < len(cells) {
			if v := strings.TrimSpace(cells[i]); v != "" {
				parts = append(parts, v)
			}
		}
	}
	return strings.Join(parts, " ")
}

// Package dnscheck inspects the DNS of a sender domain before a bulk send:
// whether the relay is authorized by SPF, whether the DKIM key is published
// and whether a DMARC policy exists.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/foxzi/legismail/internal/email"
)

var ErrInvalidDomain = errors.New("invalid domain name")

// Check statuses
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

// domainRegex validates domain name format (RFC 1035)
var domainRegex = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

var selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// spfIncludes maps relays to the include mechanism their customers publish
var spfIncludes = map[string]string{
	"smtp.gmail.com":        "_spf.google.com",
	"smtp.office365.com":    "spf.protection.outlook.com",
	"smtp-mail.outlook.com": "spf.protection.outlook.com",
	"smtp.mail.yahoo.com":   "_spf.mail.yahoo.com",
}

// Resolver is the subset of *net.Resolver used by the checks
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks if DKIM selector is valid. Empty skips the DKIM check.
func ValidateSelector(selector string) error {
	if selector == "" {
		return nil
	}
	if len(selector) > 63 || !selectorRegex.MatchString(selector) {
		return errors.New("invalid selector format")
	}
	return nil
}

// CheckResult represents a single DNS check result
type CheckResult struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report contains every check run for a sender
type Report struct {
	Domain  string        `json:"domain"`
	Results []CheckResult `json:"results"`
	Summary Summary       `json:"summary"`
}

// Summary contains check statistics
type Summary struct {
	OK       int `json:"ok"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	NotFound int `json:"not_found"`
}

// Options selects what the report verifies
type Options struct {
	// RelayHost is the submission relay; its SPF include is looked for.
	RelayHost string
	// Selector enables the DKIM check.
	Selector string
	// DKIMRecord is the TXT value the signing key should be published as.
	DKIMRecord string
	// DKIMDomain is the signing domain when it is a parent of the sender
	// domain. Empty uses the sender domain.
	DKIMDomain string
}

// Checker runs DNS checks through a resolver
type Checker struct {
	resolver Resolver
}

// New creates a checker. A nil resolver uses net.DefaultResolver.
func New(r Resolver) *Checker {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Checker{resolver: r}
}

// CheckSender checks the domain of senderEmail
func (c *Checker) CheckSender(ctx context.Context, senderEmail string, opts Options) (*Report, error) {
	domain := email.ExtractDomain(senderEmail)
	if err := ValidateDomain(domain); err != nil {
		return nil, fmt.Errorf("%w: %q", err, senderEmail)
	}
	if err := ValidateSelector(opts.Selector); err != nil {
		return nil, err
	}

	report := &Report{Domain: domain}
	report.Results = append(report.Results,
		c.CheckMX(ctx, domain),
		c.CheckSPF(ctx, domain, opts.RelayHost),
	)
	if opts.Selector != "" {
		dkimDomain := domain
		if opts.DKIMDomain != "" {
			dkimDomain = opts.DKIMDomain
		}
		report.Results = append(report.Results, c.CheckDKIM(ctx, dkimDomain, opts.Selector, opts.DKIMRecord))
	}
	report.Results = append(report.Results, c.CheckDMARC(ctx, domain))

	for _, r := range report.Results {
		switch r.Status {
		case StatusOK:
			report.Summary.OK++
		case StatusWarning:
			report.Summary.Warnings++
		case StatusError:
			report.Summary.Errors++
		case StatusNotFound:
			report.Summary.NotFound++
		}
	}
	return report, nil
}

// CheckMX checks that the sender domain accepts replies
func (c *Checker) CheckMX(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "MX"}

	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil && !isNotFound(err) {
		return lookupFailed(result, err)
	}
	if len(records) == 0 {
		result.Status = StatusNotFound
		result.Message = "No MX records found, replies will bounce"
		return result
	}

	values := make([]string, 0, len(records))
	for _, mx := range records {
		values = append(values, fmt.Sprintf("%s (priority %d)", mx.Host, mx.Pref))
	}
	result.Status = StatusOK
	result.Value = strings.Join(values, ", ")
	result.Message = fmt.Sprintf("%d MX record(s) found", len(records))
	return result
}

// CheckSPF finds the SPF record and, for relays with a known include,
// verifies the relay is authorized.
func (c *Checker) CheckSPF(ctx context.Context, domain, relayHost string) CheckResult {
	result := CheckResult{Type: "SPF"}

	records, err := c.resolver.LookupTXT(ctx, domain)
	if err != nil && !isNotFound(err) {
		return lookupFailed(result, err)
	}

	for _, txt := range records {
		if !strings.HasPrefix(txt, "v=spf1") {
			continue
		}
		result.Status = StatusOK
		result.Value = txt

		include, known := spfIncludes[strings.ToLower(relayHost)]
		switch {
		case strings.Contains(txt, "+all"):
			result.Status = StatusWarning
			result.Message = "SPF uses +all (allows any sender), consider ~all or -all"
		case known && !strings.Contains(txt, "include:"+include):
			result.Status = StatusWarning
			result.Message = fmt.Sprintf("SPF does not include %s, messages relayed by %s may fail SPF", include, relayHost)
		case strings.Contains(txt, "-all"):
			result.Message = "SPF configured with strict policy (-all)"
		case strings.Contains(txt, "~all"):
			result.Message = "SPF configured with soft fail (~all)"
		}
		return result
	}

	result.Status = StatusNotFound
	result.Message = "No SPF record found"
	return result
}

// CheckDKIM looks up selector._domainkey.domain. When expected is set the
// published public key must match it.
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector, expected string) CheckResult {
	result := CheckResult{Type: fmt.Sprintf("DKIM (%s._domainkey)", selector)}

	records, err := c.resolver.LookupTXT(ctx, selector+"._domainkey."+domain)
	if err != nil && !isNotFound(err) {
		return lookupFailed(result, err)
	}
	if len(records) == 0 {
		result.Status = StatusNotFound
		result.Message = fmt.Sprintf("No DKIM record found for selector '%s'", selector)
		return result
	}

	// Long keys arrive split across several strings
	record := strings.Join(records, "")
	result.Value = truncateString(record, 100)

	published := tagValue(record, "p")
	switch {
	case !strings.Contains(record, "v=DKIM1"):
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DKIM record"
	case published == "":
		result.Status = StatusWarning
		result.Message = "DKIM record has an empty public key (revoked)"
	case expected != "" && published != tagValue(expected, "p"):
		result.Status = StatusError
		result.Message = "Published key does not match the configured signing key"
	default:
		result.Status = StatusOK
		result.Message = "DKIM key published"
	}
	return result
}

// CheckDMARC checks the DMARC policy of the domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "DMARC"}

	records, err := c.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil && !isNotFound(err) {
		return lookupFailed(result, err)
	}
	if len(records) == 0 {
		result.Status = StatusNotFound
		result.Message = "No DMARC record found"
		return result
	}

	record := strings.Join(records, "")
	result.Value = record
	if !strings.HasPrefix(record, "v=DMARC1") {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DMARC record"
		return result
	}

	result.Status = StatusOK
	switch tagValue(record, "p") {
	case "reject":
		result.Message = "DMARC configured with reject policy"
	case "quarantine":
		result.Message = "DMARC configured with quarantine policy"
	case "none":
		result.Status = StatusWarning
		result.Message = "DMARC configured with none policy (monitoring only)"
	}
	return result
}

// tagValue returns the value of tag in a "k=v; k=v" record with spaces removed
func tagValue(record, tag string) string {
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(k) == tag {
			return strings.Join(strings.Fields(v), "")
		}
	}
	return ""
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func lookupFailed(result CheckResult, err error) CheckResult {
	result.Status = StatusError
	result.Message = fmt.Sprintf("Lookup failed: %v", err)
	return result
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

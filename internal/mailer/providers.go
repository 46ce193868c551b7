package mailer

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/foxzi/legismail/internal/email"
)

// Endpoint is a submission relay address
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Addr()
}

// DefaultEndpoint is used for sender domains missing from the table
var DefaultEndpoint = Endpoint{Host: "smtp.gmail.com", Port: 587}

// knownProviders maps webmail domains to their submission relays
var knownProviders = map[string]Endpoint{
	"gmail.com":    {Host: "smtp.gmail.com", Port: 587},
	"outlook.com":  {Host: "smtp-mail.outlook.com", Port: 587},
	"hotmail.com":  {Host: "smtp-mail.outlook.com", Port: 587},
	"live.com":     {Host: "smtp-mail.outlook.com", Port: 587},
	"yahoo.com":    {Host: "smtp.mail.yahoo.com", Port: 587},
	"yahoo.com.br": {Host: "smtp.mail.yahoo.com", Port: 587},
	"uol.com.br":   {Host: "smtps.uol.com.br", Port: 587},
	"terra.com.br": {Host: "smtp.terra.com.br", Port: 587},
	"ig.com.br":    {Host: "smtp.ig.com.br", Port: 587},
}

// ResolveEndpoint picks the relay for a sender address from the built-in
// table, falling back to DefaultEndpoint.
func ResolveEndpoint(senderEmail string) Endpoint {
	ep, _ := lookup(knownProviders, senderEmail)
	return ep
}

func lookup(table map[string]Endpoint, senderEmail string) (Endpoint, bool) {
	if ep, ok := table[email.ExtractDomain(senderEmail)]; ok {
		return ep, true
	}
	return DefaultEndpoint, false
}

// Resolver resolves relays with configured additions and an optional
// forced relay that overrides every lookup.
type Resolver struct {
	table  map[string]Endpoint
	forced *Endpoint
}

// NewResolver builds a resolver. extra maps sender domains to "host" or
// "host:port" (port 587 when omitted).
func NewResolver(extra map[string]string, forcedHost string, forcedPort int) (*Resolver, error) {
	r := &Resolver{table: make(map[string]Endpoint, len(knownProviders)+len(extra))}
	for d, ep := range knownProviders {
		r.table[d] = ep
	}

	for domain, hostport := range extra {
		ep, err := parseEndpoint(hostport)
		if err != nil {
			return nil, fmt.Errorf("invalid provider for %s: %w", domain, err)
		}
		r.table[strings.ToLower(strings.TrimSpace(domain))] = ep
	}

	if forcedHost != "" {
		if forcedPort == 0 {
			forcedPort = 587
		}
		r.forced = &Endpoint{Host: forcedHost, Port: forcedPort}
	}

	return r, nil
}

// Resolve returns the relay and whether it came from a known mapping
func (r *Resolver) Resolve(senderEmail string) (Endpoint, bool) {
	if r.forced != nil {
		return *r.forced, true
	}
	return lookup(r.table, senderEmail)
}

func parseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// no port given
		if strings.Contains(s, ":") && !strings.HasPrefix(s, "[") {
			return Endpoint{}, err
		}
		return Endpoint{Host: strings.Trim(s, "[]"), Port: 587}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port %q", portStr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

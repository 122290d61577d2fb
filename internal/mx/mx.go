// Package mx checks that a recipient domain can receive mail before a send
// is attempted.
package mx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var (
	ErrDomainNotFound = errors.New("domain does not exist")
	ErrNoMailHost     = errors.New("domain has no MX or address records")
	ErrNullMX         = errors.New("domain does not accept mail")
	ErrServerFailure  = errors.New("dns server failure")
)

const defaultTimeout = 5 * time.Second

// Config configures a Verifier.
type Config struct {
	// Nameservers as host:port. Defaults to /etc/resolv.conf, then public
	// resolvers.
	Nameservers []string
	Timeout     time.Duration
}

// Verifier resolves mail exchangers for a domain.
type Verifier struct {
	nameservers []string
	client      *dns.Client
}

func New(cfg Config) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.Nameservers) == 0 {
		cfg.Nameservers = systemNameservers()
	}
	return &Verifier{
		nameservers: cfg.Nameservers,
		client:      &dns.Client{Timeout: cfg.Timeout},
	}
}

func systemNameservers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

// Hosts returns the domain's mail exchangers ordered by preference. A
// domain without MX records falls back to itself when it has an A or AAAA
// record (RFC 5321 section 5.1).
func (v *Verifier) Hosts(ctx context.Context, domain string) ([]string, error) {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	if domain == "" {
		return nil, ErrDomainNotFound
	}

	resp, err := v.query(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	var records []*dns.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			records = append(records, mx)
		}
	}
	if len(records) == 1 && records[0].Mx == "." {
		return nil, ErrNullMX
	}
	if len(records) > 0 {
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Preference < records[j].Preference
		})
		hosts := make([]string, 0, len(records))
		for _, mx := range records {
			hosts = append(hosts, strings.TrimSuffix(mx.Mx, "."))
		}
		return hosts, nil
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := v.query(ctx, domain, qtype)
		if err != nil {
			return nil, err
		}
		if len(resp.Answer) > 0 {
			return []string{domain}, nil
		}
	}
	return nil, ErrNoMailHost
}

// Verify reports whether domain can receive mail.
func (v *Verifier) Verify(ctx context.Context, domain string) error {
	if _, err := v.Hosts(ctx, domain); err != nil {
		return fmt.Errorf("mx check for %s: %w", domain, err)
	}
	return nil
}

func (v *Verifier) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range v.nameservers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, _, err := v.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = fmt.Errorf("dns query failed: %w", err)
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp, nil
		case dns.RcodeNameError:
			return nil, ErrDomainNotFound
		default:
			lastErr = fmt.Errorf("%w: %s", ErrServerFailure, dns.RcodeToString[resp.Rcode])
		}
	}
	if lastErr == nil {
		lastErr = ErrServerFailure
	}
	return nil, lastErr
}

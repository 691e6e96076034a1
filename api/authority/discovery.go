package authority

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// DefaultNameserver is the local stub resolver.
const DefaultNameserver = "127.0.0.53:53"

// Resolver discovers authority endpoints through DNS SRV records.
type Resolver struct {
	Nameserver string
	// Scheme of the discovered endpoints, https unless set.
	Scheme string
	Client *dns.Client
}

// Endpoints returns the base URLs advertised under _attest._tcp.<domain>, ordered by
// priority and then by descending weight.
func (r *Resolver) Endpoints(ctx context.Context, domain string) ([]string, error) {
	nameserver := r.Nameserver
	if nameserver == "" {
		nameserver = DefaultNameserver
	}
	scheme := r.Scheme
	if scheme == "" {
		scheme = "https"
	}
	client := r.Client
	if client == nil {
		client = new(dns.Client)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(SRVService+"."+domain), dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for %s failed: %w", domain, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("SRV lookup for %s failed: %s", domain, dns.RcodeToString[in.Rcode])
	}

	records := make([]*dns.SRV, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records for %s", domain)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	endpoints := make([]string, 0, len(records))
	for _, srv := range records {
		endpoints = append(endpoints, fmt.Sprintf("%s://%s:%d", scheme, strings.TrimSuffix(srv.Target, "."), srv.Port))
	}
	return endpoints, nil
}

package modules

// DNS noise generator: suspicious queries aimed at threat-intel feeds.

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/chaoslab/chaosbot/internal/logging"
)

// Known-bad test domains (EICAR-style, commonly flagged by threat intel).
var badDomains = []string{
	"malware.testcategory.com",
	"botnet.testcategory.com",
	"phishing.testcategory.com",
	"coinminer.testcategory.com",
	"ransomware.testcategory.com",
	"exploit.testcategory.com",
	"bad-actor.example.com",
	"c2-callback.example.com",
	"exfil-data.example.com",
	"tor-exit-node.example.com",
}

// TLDs commonly associated with DGA domains.
var dgaTLDs = []string{".com", ".net", ".org", ".info", ".xyz", ".top", ".biz"}

const dgaAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

type dnsQuery struct {
	Name     string
	Type     uint16
	Category string
}

// DNSNoise generates suspicious DNS queries against the VLAN resolver.
type DNSNoise struct{}

func (d *DNSNoise) Name() string { return "dns_noise" }

// SampleSize is 0: queries go to the resolver, not to swept targets.
func (d *DNSNoise) SampleSize() int { return 0 }

func (d *DNSNoise) Run(ctx context.Context, job Job) (Result, error) {
	mc := job.Cfg.Modules["dns_noise"]
	resolver := mc.Resolver
	if resolver == "" {
		resolver = "10.10.10.2"
	}
	count := mc.QueryCount
	if count <= 0 {
		count = 10
	}

	queries := buildQueries(count)
	client := &dns.Client{Timeout: probeTimeout}
	if ip := net.ParseIP(job.Bind.SourceIP); ip != nil && !ip.IsUnspecified() {
		client.Dialer = &net.Dialer{
			Timeout:   probeTimeout,
			LocalAddr: &net.UDPAddr{IP: ip},
		}
	}

	var probes []Probe
	for _, q := range queries {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		job.Log.Info(logging.F{Module: "dns_noise", SourceIP: job.Bind.SourceIP},
			"DNS query: %s (%s) [%s]", q.Name, dns.TypeToString[q.Type], q.Category)

		if err := job.pace(ctx); err != nil {
			return Result{}, err
		}

		if job.DryRun {
			probes = append(probes, Probe{Action: q.Category, Outcome: "dry-run", Target: q.Name})
			continue
		}

		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(q.Name), q.Type)
		resp, _, err := client.ExchangeContext(ctx, msg, net.JoinHostPort(resolver, "53"))

		outcome := "timeout"
		if err == nil {
			outcome = fmt.Sprintf("%s answers=%d", dns.RcodeToString[resp.Rcode], len(resp.Answer))
		} else if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		probes = append(probes, Probe{Action: q.Category, Outcome: outcome, Target: q.Name})

		if job.Metrics != nil {
			job.Metrics.DNSQueries.WithLabelValues(q.Category).Inc()
		}

		jitter(ctx, 200*time.Millisecond, 1500*time.Millisecond)
	}

	return Result{
		Status:  StatusSuccess,
		Summary: fmt.Sprintf("sent %d DNS queries", len(queries)),
		Probes:  probes,
	}, nil
}

// buildQueries mixes known-bad lookups, DGA-pattern labels and TXT beacon
// queries, shuffled.
func buildQueries(count int) []dnsQuery {
	var queries []dnsQuery

	badCount := count / 3
	if badCount > len(badDomains) {
		badCount = len(badDomains)
	}
	for _, i := range rand.Perm(len(badDomains))[:badCount] {
		queries = append(queries, dnsQuery{Name: badDomains[i], Type: dns.TypeA, Category: "known_bad"})
	}

	for i := 0; i < count/3; i++ {
		queries = append(queries, dnsQuery{
			Name:     randomLabel(8+rand.Intn(17)) + dgaTLDs[rand.Intn(len(dgaTLDs))],
			Type:     dns.TypeA,
			Category: "dga",
		})
	}

	for len(queries) < count {
		queries = append(queries, dnsQuery{
			Name:     randomLabel(16) + ".beacon.example.com",
			Type:     dns.TypeTXT,
			Category: "c2_txt",
		})
	}

	rand.Shuffle(len(queries), func(i, j int) { queries[i], queries[j] = queries[j], queries[i] })
	return queries
}

func randomLabel(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = dgaAlphabet[rand.Intn(len(dgaAlphabet))]
	}
	return string(b)
}

package modules

// HTTP probe module: hostile-looking HTTP requests for WAF/IDS testing.

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/chaoslab/chaosbot/internal/logging"
)

var badUserAgents = []string{
	"sqlmap/1.7#stable (https://sqlmap.org)",
	"nikto/2.5.0",
	"gobuster/3.6",
	"dirbuster/1.0",
	"Mozilla/5.0 (compatible; Nmap Scripting Engine; https://nmap.org/book/nse.html)",
	"masscan/1.3 (https://github.com/robertdavidgraham/masscan)",
	"Wget/1.21",
	"curl/7.88.0",
	"python-requests/2.31.0",
	"Java/11.0.2",
}

var pathTraversals = []string{
	"/../../etc/passwd",
	"/..%2f..%2fetc%2fpasswd",
	"/%2e%2e/%2e%2e/etc/passwd",
	"/....//....//etc/passwd",
	"/..\\..\\windows\\system32\\config\\sam",
}

var sqliPayloads = []string{
	"' OR '1'='1",
	"' UNION SELECT NULL--",
	"1; DROP TABLE users--",
	"admin'--",
	"' OR 1=1#",
}

var xssPayloads = []string{
	"<script>alert('XSS')</script>",
	"<img src=x onerror=alert(1)>",
	"javascript:alert(document.cookie)",
	"<svg onload=alert(1)>",
}

var honeypotPaths = []string{
	"/admin",
	"/wp-login.php",
	"/wp-admin/",
	"/.env",
	"/.git/HEAD",
	"/.git/config",
	"/server-status",
	"/server-info",
	"/phpinfo.php",
	"/actuator/env",
	"/api/v1/admin",
	"/console",
	"/debug",
	"/.aws/credentials",
	"/config.json",
	"/robots.txt",
	"/sitemap.xml",
	"/.well-known/security.txt",
}

type httpProbeReq struct {
	Kind    string
	URL     string
	Headers map[string]string
}

// HTTPProbe sends hostile HTTP requests to exercise WAF/IDS detection.
type HTTPProbe struct{}

func (h *HTTPProbe) Name() string { return "http_probe" }

// SampleSize keeps probe volume to a handful of hosts per segment.
func (h *HTTPProbe) SampleSize() int { return 5 }

func (h *HTTPProbe) Run(ctx context.Context, job Job) (Result, error) {
	mc := job.Cfg.Modules["http_probe"]
	client := boundHTTPClient(job.Bind.SourceIP, probeTimeout)

	shuffled := shuffleTargets(job.Targets)
	var probes []Probe
	sent := 0

	for _, target := range shuffled {
		reqs := buildHTTPProbes("http://"+target.IP, mc.Paths)
		rand.Shuffle(len(reqs), func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })

		for _, pr := range reqs {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if !job.Budget.Allow(target.IP, "http") {
				break
			}

			job.Log.Info(logging.F{Module: "http_probe", TargetIP: target.IP, SourceIP: job.Bind.SourceIP},
				"HTTP probe: %s -> %s", pr.Kind, target.IP)

			if err := job.pace(ctx); err != nil {
				return Result{}, err
			}

			if job.DryRun {
				probes = append(probes, Probe{Target: pr.URL, Action: pr.Kind, Outcome: "dry-run"})
				continue
			}

			probes = append(probes, h.send(ctx, client, pr))
			sent++
			if job.Metrics != nil {
				job.Metrics.HTTPProbes.WithLabelValues(pr.Kind).Inc()
			}

			jitter(ctx, 300*time.Millisecond, 2*time.Second)
		}
	}

	return Result{
		Status:  StatusSuccess,
		Summary: fmt.Sprintf("sent %d HTTP probes to %d targets", sent, len(shuffled)),
		Probes:  probes,
	}, nil
}

func (h *HTTPProbe) send(ctx context.Context, client *http.Client, pr httpProbeReq) Probe {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pr.URL, nil)
	if err != nil {
		return Probe{Target: pr.URL, Action: pr.Kind, Outcome: "error: " + err.Error()}
	}
	for k, v := range pr.Headers {
		if k == "Host" {
			req.Host = v
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Probe{Target: pr.URL, Action: pr.Kind, Outcome: "error: " + err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	return Probe{
		Target:  pr.URL,
		Action:  pr.Kind,
		Outcome: fmt.Sprintf("status=%d bytes=%d", resp.StatusCode, len(body)),
	}
}

// buildHTTPProbes assembles the request mix for one target.
func buildHTTPProbes(baseURL string, extraPaths []string) []httpProbeReq {
	probes := []httpProbeReq{
		{
			Kind:    "bad_useragent",
			URL:     baseURL + "/",
			Headers: map[string]string{"User-Agent": badUserAgents[rand.Intn(len(badUserAgents))]},
		},
		{
			Kind: "path_traversal",
			URL:  baseURL + pathTraversals[rand.Intn(len(pathTraversals))],
		},
		{
			Kind: "sqli",
			URL:  baseURL + "/search?q=" + url.QueryEscape(sqliPayloads[rand.Intn(len(sqliPayloads))]) + "&id=1",
		},
		{
			Kind: "xss",
			URL:  baseURL + "/search?q=" + url.QueryEscape(xssPayloads[rand.Intn(len(xssPayloads))]),
		},
	}

	paths := append(append([]string{}, honeypotPaths...), extraPaths...)
	n := 5
	if len(paths) < n {
		n = len(paths)
	}
	for _, i := range rand.Perm(len(paths))[:n] {
		probes = append(probes, httpProbeReq{Kind: "honeypot_path", URL: baseURL + paths[i]})
	}

	probes = append(probes, httpProbeReq{
		Kind:    "reverse_proxy_probe",
		URL:     baseURL + "/",
		Headers: map[string]string{"Host": "internal.admin.local"},
	})

	return probes
}

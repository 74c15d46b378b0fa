package modules

// Authentication prober: generates failed login attempts for detection
// pipelines. The shared cycle budget caps attempts per target+protocol.

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/chaoslab/chaosbot/internal/logging"
)

const probeTimeout = 5 * time.Second

// AuthProber probes authentication services with intentionally failing
// credentials.
type AuthProber struct{}

func (p *AuthProber) Name() string { return "auth_prober" }

// SampleSize limits noisy auth probing to 5 addresses per segment.
func (p *AuthProber) SampleSize() int { return 5 }

func (p *AuthProber) Run(ctx context.Context, job Job) (Result, error) {
	mc := job.Cfg.Modules["auth_prober"]
	maxAttempts := mc.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > 2 {
		maxAttempts = 2
	}
	protocols := mc.Protocols
	if len(protocols) == 0 {
		protocols = []string{"ssh", "rdp", "smb", "http_basic"}
	}
	username := job.Cfg.Credentials.Username
	password := job.Cfg.Credentials.Password

	shuffled := shuffleTargets(job.Targets)
	var probes []Probe
	attempts := 0

	for _, target := range shuffled {
		for _, proto := range protocols {
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				if ctx.Err() != nil {
					return Result{}, ctx.Err()
				}
				if !job.Budget.Allow(target.IP, proto) {
					break
				}
				attempts++

				job.Log.Info(logging.F{Module: "auth_prober", TargetIP: target.IP, SourceIP: job.Bind.SourceIP},
					"auth probe %s -> %s (attempt %d/%d)", proto, target.IP, attempt, maxAttempts)

				if err := job.pace(ctx); err != nil {
					return Result{}, err
				}

				if job.DryRun {
					probes = append(probes, Probe{Target: target.IP, Action: proto, Outcome: "dry-run"})
					continue
				}

				outcome := p.probe(ctx, job, proto, target.IP, username, password)
				probes = append(probes, Probe{Target: target.IP, Action: proto, Outcome: outcome})
				if job.Metrics != nil {
					job.Metrics.AuthAttempts.WithLabelValues(proto, outcome).Inc()
				}

				jitter(ctx, 500*time.Millisecond, 2*time.Second)
			}
		}
	}

	return Result{
		Status:  StatusSuccess,
		Summary: fmt.Sprintf("auth probed %d targets, %d attempts", len(shuffled), attempts),
		Probes:  probes,
	}, nil
}

func (p *AuthProber) probe(ctx context.Context, job Job, proto, target, username, password string) string {
	switch proto {
	case "ssh":
		return p.probeSSH(job, target, username, password)
	case "http_basic":
		return p.probeHTTPBasic(ctx, job, target, username, password)
	case "rdp":
		return p.probeRDP(ctx, job, target, username, password)
	default:
		return "unsupported"
	}
}

// probeSSH attempts one SSH password login that is expected to fail.
func (p *AuthProber) probeSSH(job Job, target, username, password string) string {
	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         probeTimeout,
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(target, "22"), cfg)
	if err == nil {
		client.Close()
		return "success"
	}
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "password") {
		return "rejected"
	}
	return "error: " + err.Error()
}

// probeHTTPBasic sends a request with failing basic-auth credentials,
// bound to the hop's source address.
func (p *AuthProber) probeHTTPBasic(ctx context.Context, job Job, target, username, password string) string {
	client := boundHTTPClient(job.Bind.SourceIP, probeTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+target+"/", nil)
	if err != nil {
		return "error: " + err.Error()
	}
	req.SetBasicAuth(username, password)

	resp, err := client.Do(req)
	if err != nil {
		return "error: " + err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "rejected"
	}
	return fmt.Sprintf("http_%d", resp.StatusCode)
}

// probeRDP attempts an auth-only RDP login via xfreerdp.
func (p *AuthProber) probeRDP(ctx context.Context, job Job, target, username, password string) string {
	res, err := job.Runner.Run(ctx, "xfreerdp",
		"/v:"+target, "/u:"+username, "/p:"+password,
		"/cert:ignore", "+auth-only", "/timeout:5000")
	if err != nil {
		return "error: " + err.Error()
	}
	if res.ExitCode != 0 {
		return "rejected"
	}
	return "success"
}

// boundHTTPClient builds an HTTP client whose connections originate from
// sourceIP, so probe traffic exits the VLAN interface.
func boundHTTPClient(sourceIP string, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	if ip := net.ParseIP(sourceIP); ip != nil && !ip.IsUnspecified() {
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Package discovery finds live hosts on a VLAN subnet before the attack
// phase, with a static-target fallback policy.
package discovery

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/chaoslab/chaosbot/internal/config"
	cberrors "github.com/chaoslab/chaosbot/internal/errors"
	"github.com/chaoslab/chaosbot/internal/execx"
	"github.com/chaoslab/chaosbot/internal/logging"
)

// SweepTimeout bounds the active ARP sweep.
const SweepTimeout = 90 * time.Second

// Origin records how a target entered the set.
type Origin string

const (
	OriginDiscovered Origin = "discovered"
	OriginStatic     Origin = "static"
)

// Target is one attackable address, scoped to a single cycle.
type Target struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
	Origin   Origin `json:"origin"`
}

// reportRe matches "Nmap scan report for <host>" lines; the optional
// parenthesised group holds the address when a hostname resolved.
var reportRe = regexp.MustCompile(`^Nmap scan report for (\S+)(?: \(([^)]+)\))?`)

// Engine runs the sweep tool and applies exclusion and fallback policy.
type Engine struct {
	runner   execx.Runner
	log      *logging.Logger
	timeout  time.Duration
	dryRun   bool
	excluded map[string]bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithExcludedHosts keeps the given addresses out of every target set,
// whether swept or statically configured.
func WithExcludedHosts(hosts []string) EngineOption {
	return func(e *Engine) {
		for _, h := range hosts {
			e.excluded[h] = true
		}
	}
}

// NewEngine builds a discovery engine on the given runner.
func NewEngine(runner execx.Runner, log *logging.Logger, dryRun bool, opts ...EngineOption) *Engine {
	e := &Engine{runner: runner, log: log, timeout: SweepTimeout, dryRun: dryRun, excluded: map[string]bool{}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Discover sweeps the profile's subnet from selfIP on iface. The gateway
// and selfIP never appear in results. An empty sweep falls back to the
// profile's static targets when its policy allows; otherwise the empty
// set is returned and the caller skips the attack phase. Discovery holds
// no shared state and is safe to retry.
func (e *Engine) Discover(ctx context.Context, profile config.VlanProfile, iface, selfIP string) ([]Target, error) {
	f := logging.F{Module: "discovery", VlanID: profile.ID, SourceIP: selfIP}

	targets, err := e.sweep(ctx, profile, iface, selfIP)
	if err != nil {
		return nil, err
	}

	if len(targets) == 0 && profile.Discovery == config.PolicyARPStaticFallback && len(profile.Targets) > 0 {
		e.log.Info(f, "discovery found no hosts, falling back to %d static target(s)", len(profile.Targets))
		for _, t := range profile.Targets {
			if e.excluded[t] {
				continue
			}
			targets = append(targets, Target{IP: t, Origin: OriginStatic})
		}
	}

	return targets, nil
}

func (e *Engine) sweep(ctx context.Context, profile config.VlanProfile, iface, selfIP string) ([]Target, error) {
	f := logging.F{Module: "discovery", VlanID: profile.ID, SourceIP: selfIP}

	subnet, err := profile.SubnetCIDR()
	if err != nil {
		return nil, err
	}

	if e.dryRun {
		e.log.Info(f, "[DRY RUN] would discover hosts on %s via %s", subnet, iface)
		return nil, nil
	}

	sweepCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{"-sn", "-PR", "-S", selfIP, "-e", iface, subnet}
	e.log.Info(f, "discovering hosts: %s", execx.CommandLine("nmap", args...))

	res, err := e.runner.Run(sweepCtx, "nmap", args...)
	if err != nil {
		if ctx.Err() != nil {
			// The cycle itself was cancelled, not just the sweep.
			return nil, ctx.Err()
		}
		if sweepCtx.Err() != nil {
			e.log.Warn(f, "host discovery timed out after %s", e.timeout)
			return nil, cberrors.Wrap(cberrors.KindDiscoveryTimeout,
				"host discovery exceeded sweep bound", sweepCtx.Err())
		}
		// Tool contract: unavailable sweep tool means an empty result.
		e.log.Error(f, "sweep tool failed: %v", err)
		return nil, nil
	}

	excluded := map[string]bool{selfIP: true}
	if profile.Gateway != "" {
		excluded[profile.Gateway] = true
	}
	for h := range e.excluded {
		excluded[h] = true
	}

	var targets []Target
	for _, line := range strings.Split(res.Stdout, "\n") {
		m := reportRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ip, hostname := m[1], ""
		if m[2] != "" {
			// "hostname (ip)" form.
			ip, hostname = m[2], m[1]
		}
		if excluded[ip] {
			continue
		}
		targets = append(targets, Target{IP: ip, Hostname: hostname, Origin: OriginDiscovered})
	}

	e.log.Info(f, "discovered %d live host(s) on %s", len(targets), subnet)
	return targets, nil
}

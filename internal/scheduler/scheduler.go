// Package scheduler invokes attack modules against a cycle's target set
// under bounded concurrency, pacing and a shared attempt budget.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chaoslab/chaosbot/internal/config"
	"github.com/chaoslab/chaosbot/internal/discovery"
	"github.com/chaoslab/chaosbot/internal/execx"
	"github.com/chaoslab/chaosbot/internal/logging"
	"github.com/chaoslab/chaosbot/internal/metrics"
	"github.com/chaoslab/chaosbot/internal/modules"
)

// AttemptCap is the cycle-wide ceiling on attempts per (target, protocol),
// matching the auth-probing policy.
const AttemptCap = 2

// cidrSampleSize bounds how many addresses a CIDR target expands to.
const cidrSampleSize = 5

// Scheduler runs module jobs for one cycle at a time.
type Scheduler struct {
	log         *logging.Logger
	runner      execx.Runner
	metrics     *metrics.Metrics
	concurrency int
	probeRate   rate.Limit
	dryRun      bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConcurrency bounds how many modules run at once (default 2).
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithProbeRate sets the cycle-wide probe pacing in ops/sec (default 2).
func WithProbeRate(r float64) Option {
	return func(s *Scheduler) {
		if r > 0 {
			s.probeRate = rate.Limit(r)
		}
	}
}

// WithMetrics attaches the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithDryRun propagates dry-run mode into module jobs.
func WithDryRun(dry bool) Option {
	return func(s *Scheduler) { s.dryRun = dry }
}

// New builds a scheduler on the given runner.
func New(log *logging.Logger, runner execx.Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:         log,
		runner:      runner,
		concurrency: 2,
		probeRate:   2,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run executes the selected modules against the target set and returns
// the per-module outcomes. Module failures are isolated: an error,
// timeout or panic in one module never aborts its siblings.
func (s *Scheduler) Run(ctx context.Context, mods []modules.Module, targets []discovery.Target, cfg *config.Config, bind modules.Bind) map[string]modules.Result {
	results := make(map[string]modules.Result, len(mods))
	if len(mods) == 0 || len(targets) == 0 {
		return results
	}

	order := make([]modules.Module, len(mods))
	copy(order, mods)
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	budget := modules.NewBudget(AttemptCap)
	limiter := rate.NewLimiter(s.probeRate, 1)
	deadline := cfg.Schedule.ModuleTimeoutDuration()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for _, mod := range order {
		mod := mod // per-iteration copy; module targets go <1.22 loop semantics
		job := modules.Job{
			Targets: s.sampleTargets(targets, mod.SampleSize()),
			Bind:    bind,
			Cfg:     cfg,
			Budget:  budget,
			Limiter: limiter,
			Runner:  s.runner,
			Log:     s.log,
			Metrics: s.metrics,
			DryRun:  s.dryRun,
		}
		g.Go(func() error {
			res := s.runOne(ctx, mod, job, deadline)
			mu.Lock()
			results[mod.Name()] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return results
}

// runOne executes a single module under its deadline, converting panics,
// timeouts and errors into outcomes.
func (s *Scheduler) runOne(ctx context.Context, mod modules.Module, job modules.Job, deadline time.Duration) (res modules.Result) {
	f := logging.F{Module: mod.Name(), SourceIP: job.Bind.SourceIP}
	s.log.Info(f, "running module: %s", mod.Name())

	modCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error(f, "module %s panicked: %v", mod.Name(), r)
			res = modules.Result{Status: modules.StatusError, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	start := time.Now()
	out, err := mod.Run(modCtx, job)
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ModuleDuration.WithLabelValues(mod.Name()).Observe(elapsed.Seconds())
	}

	switch {
	case err == nil:
		if out.Status == "" {
			out.Status = modules.StatusSuccess
		}
		s.log.Info(f, "module %s completed: %s", mod.Name(), out.Status)
		return out
	case modCtx.Err() != nil && ctx.Err() == nil:
		s.log.Warn(f, "module %s exceeded %s deadline, cancelled", mod.Name(), deadline)
		return modules.Result{Status: modules.StatusTimeout, Detail: fmt.Sprintf("deadline %s exceeded", deadline)}
	case ctx.Err() != nil:
		return modules.Result{Status: modules.StatusError, Detail: "cycle cancelled"}
	default:
		s.log.Error(f, "module %s failed: %v", mod.Name(), err)
		return modules.Result{Status: modules.StatusError, Detail: err.Error()}
	}
}

// sampleTargets expands CIDR-shaped static targets and applies the
// module's sample cap.
func (s *Scheduler) sampleTargets(targets []discovery.Target, sample int) []discovery.Target {
	expanded := expandCIDRTargets(targets)
	if sample <= 0 || len(expanded) <= sample {
		return expanded
	}
	out := make([]discovery.Target, 0, sample)
	for _, i := range rand.Perm(len(expanded))[:sample] {
		out = append(out, expanded[i])
	}
	return out
}

// expandCIDRTargets replaces CIDR entries with a random sample of host
// addresses; plain addresses pass through unchanged.
func expandCIDRTargets(targets []discovery.Target) []discovery.Target {
	var out []discovery.Target
	for _, t := range targets {
		if !strings.Contains(t.IP, "/") {
			out = append(out, t)
			continue
		}
		hosts := hostsInCIDR(t.IP)
		if len(hosts) == 0 {
			out = append(out, t)
			continue
		}
		n := cidrSampleSize
		if len(hosts) < n {
			n = len(hosts)
		}
		for _, i := range rand.Perm(len(hosts))[:n] {
			out = append(out, discovery.Target{IP: hosts[i], Origin: t.Origin})
		}
	}
	return out
}

// hostsInCIDR enumerates host addresses in a subnet, excluding network
// and broadcast, capped at 1024 entries.
func hostsInCIDR(cidr string) []string {
	ip, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil
	}
	var hosts []string
	for ip := ip.Mask(network.Mask); network.Contains(ip); incIP(ip) {
		hosts = append(hosts, ip.String())
		if len(hosts) >= 1026 {
			break
		}
	}
	if len(hosts) > 2 {
		// Drop network and broadcast addresses.
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

// Package modules holds the closed set of attack modules. New modules are
// added by extending the registry switch at build time.
package modules

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaoslab/chaosbot/internal/config"
	"github.com/chaoslab/chaosbot/internal/discovery"
	"github.com/chaoslab/chaosbot/internal/execx"
	"github.com/chaoslab/chaosbot/internal/logging"
	"github.com/chaoslab/chaosbot/internal/metrics"
)

// Status classifies a module outcome within a cycle.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
	StatusSkipped Status = "skip"
	StatusDryRun  Status = "dry-run"
)

// Probe records one individual action taken by a module.
type Probe struct {
	Target  string `json:"target,omitempty"`
	Action  string `json:"action"`
	Outcome string `json:"outcome"`
}

// Result is the per-module outcome reported into the CycleResult.
type Result struct {
	Status  Status  `json:"status"`
	Summary string  `json:"summary,omitempty"`
	Detail  string  `json:"detail,omitempty"`
	Probes  []Probe `json:"probes,omitempty"`
}

// Bind pins module traffic to the hop's leased identity.
type Bind struct {
	SourceIP  string
	Interface string
}

// Job carries everything one module invocation needs. The scheduler
// builds one Job per module per cycle and destroys it afterwards.
type Job struct {
	Targets []discovery.Target
	Bind    Bind
	Cfg     *config.Config
	Budget  *Budget
	Limiter *rate.Limiter
	Runner  execx.Runner
	Log     *logging.Logger
	Metrics *metrics.Metrics
	DryRun  bool
}

// pace blocks until the cycle-wide rate limiter admits the next probe.
func (j Job) pace(ctx context.Context) error {
	if j.Limiter == nil {
		return nil
	}
	return j.Limiter.Wait(ctx)
}

// jitter sleeps a uniform random duration in [min,max], honoring ctx.
func jitter(ctx context.Context, min, max time.Duration) {
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// shuffleTargets returns a copy of the target set in random order.
func shuffleTargets(in []discovery.Target) []discovery.Target {
	out := make([]discovery.Target, len(in))
	copy(out, in)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Module is one attack behavior runnable against a target set.
type Module interface {
	Name() string
	// SampleSize caps how many targets the scheduler hands the module
	// per cycle; 0 means the full set.
	SampleSize() int
	Run(ctx context.Context, job Job) (Result, error)
}

// UnknownModuleError reports a name missing from the registry.
type UnknownModuleError struct {
	Name string
}

func (e *UnknownModuleError) Error() string {
	return "unknown module: " + e.Name
}

// Get returns a module implementation by name.
func Get(name string) (Module, error) {
	switch name {
	case "net_scanner":
		return &NetScanner{}, nil
	case "auth_prober":
		return &AuthProber{}, nil
	case "dns_noise":
		return &DNSNoise{}, nil
	case "http_probe":
		return &HTTPProbe{}, nil
	default:
		return nil, &UnknownModuleError{Name: name}
	}
}

// Names lists the registry in stable order.
func Names() []string {
	return []string{"net_scanner", "auth_prober", "dns_noise", "http_probe"}
}

// Build instantiates the enabled modules, optionally filtered by name.
// Unknown names in the filter are an error; disabled modules are skipped.
func Build(cfg *config.Config, filter []string) ([]Module, error) {
	want := map[string]bool{}
	for _, n := range filter {
		if _, err := Get(n); err != nil {
			return nil, err
		}
		want[n] = true
	}

	var mods []Module
	for _, name := range Names() {
		if len(want) > 0 && !want[name] {
			continue
		}
		if !cfg.ModuleEnabled(name) {
			continue
		}
		m, _ := Get(name)
		mods = append(mods, m)
	}
	return mods, nil
}

// Budget enforces the cycle-wide attempt cap per (target, protocol).
// It is shared by every ModuleJob in a cycle so composing modules against
// overlapping targets cannot exceed the cap.
type Budget struct {
	mu    sync.Mutex
	limit int
	used  map[budgetKey]int
}

type budgetKey struct {
	target   string
	protocol string
}

// NewBudget creates a budget capping attempts per (target, protocol).
func NewBudget(limit int) *Budget {
	return &Budget{limit: limit, used: make(map[budgetKey]int)}
}

// Allow consumes one attempt against (target, protocol), reporting
// whether the attempt is within budget.
func (b *Budget) Allow(target, protocol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := budgetKey{target, protocol}
	if b.used[k] >= b.limit {
		return false
	}
	b.used[k]++
	return true
}

// Used returns the attempts consumed against (target, protocol).
func (b *Budget) Used(target, protocol string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used[budgetKey{target, protocol}]
}

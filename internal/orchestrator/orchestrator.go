// Package orchestrator sequences hop cycles: lifecycle → discovery →
// modules → teardown, under a single authoritative state machine.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaoslab/chaosbot/internal/config"
	"github.com/chaoslab/chaosbot/internal/discovery"
	cberrors "github.com/chaoslab/chaosbot/internal/errors"
	"github.com/chaoslab/chaosbot/internal/history"
	"github.com/chaoslab/chaosbot/internal/logging"
	"github.com/chaoslab/chaosbot/internal/metrics"
	"github.com/chaoslab/chaosbot/internal/modules"
	"github.com/chaoslab/chaosbot/internal/vlan"
)

// State is the process-wide hop state. It is mutated only by the
// orchestrator under its lock.
type State string

const (
	StateIdle      State = "idle"
	StateHopping   State = "hopping"
	StateAttacking State = "attacking"
	StateCooldown  State = "cooldown"
)

var stateGauge = map[State]int{
	StateIdle:      metrics.StateIdle,
	StateHopping:   metrics.StateHopping,
	StateAttacking: metrics.StateAttacking,
	StateCooldown:  metrics.StateCooldown,
}

// Cycle outcome statuses.
const (
	CycleComplete = "complete"
	CycleError    = "error"
	CycleAborted  = "aborted"
)

// CycleResult is the sole unit persisted to history and reported to the
// notification and metrics collaborators.
type CycleResult struct {
	ID          string                    `json:"cycle_id"`
	VlanID      int                       `json:"vlan_id"`
	SourceIP    string                    `json:"source_ip,omitempty"`
	StartedAt   time.Time                 `json:"started_at"`
	EndedAt     time.Time                 `json:"ended_at"`
	Status      string                    `json:"status"`
	ErrorKind   cberrors.Kind             `json:"error_kind,omitempty"`
	Message     string                    `json:"message,omitempty"`
	Modules     map[string]modules.Result `json:"modules,omitempty"`
	TargetCount int                       `json:"target_count"`
	Lease       *vlan.LeaseRecord         `json:"lease,omitempty"`
}

// Lifecycle is the VLAN interface lifecycle manager contract.
type Lifecycle interface {
	Acquire(ctx context.Context, profile config.VlanProfile) (*vlan.LeaseRecord, error)
	Release(ctx context.Context, lease *vlan.LeaseRecord) error
}

// Discoverer produces a cycle's target set.
type Discoverer interface {
	Discover(ctx context.Context, profile config.VlanProfile, iface, selfIP string) ([]discovery.Target, error)
}

// ModuleRunner executes modules for the attack phase.
type ModuleRunner interface {
	Run(ctx context.Context, mods []modules.Module, targets []discovery.Target, cfg *config.Config, bind modules.Bind) map[string]modules.Result
}

// Recorder persists finalized cycles.
type Recorder interface {
	Append(e history.Entry) (int64, error)
}

// Sink receives cycle events; delivery failures never propagate here.
type Sink interface {
	CycleComplete(vlanID int, ip string, duration time.Duration, moduleNames []string)
	CycleError(vlanID int, message string)
}

// Status is the queryable orchestrator snapshot.
type Status struct {
	State       State        `json:"status"`
	VlanID      int          `json:"current_vlan,omitempty"`
	SourceIP    string       `json:"current_ip,omitempty"`
	UptimeStart time.Time    `json:"uptime_start"`
	CycleCount  int          `json:"cycle_count"`
	LastCycle   *CycleResult `json:"last_cycle,omitempty"`
}

// Orchestrator owns the hop state machine. All mutable shared state (the
// HopState and the active lease) lives here behind mu; components only
// see it through this API.
type Orchestrator struct {
	lifecycle Lifecycle
	disc      Discoverer
	sched     ModuleRunner
	store     Recorder
	notifier  Sink
	metrics   *metrics.Metrics
	log       *logging.Logger

	cfg atomic.Pointer[config.Config]

	mu           sync.Mutex
	state        State
	lease        *vlan.LeaseRecord
	lastCycle    *CycleResult
	cycleCount   int
	busy         bool
	cycleCancel  context.CancelFunc
	cycleDone    chan struct{}
	daemonCancel context.CancelFunc
	daemonDone   chan struct{}
	rotIdx       int

	uptimeStart time.Time
}

// New wires an orchestrator. metrics and notifier may be nil.
func New(cfg *config.Config, lc Lifecycle, disc Discoverer, sched ModuleRunner, store Recorder, notifier Sink, m *metrics.Metrics, log *logging.Logger) *Orchestrator {
	o := &Orchestrator{
		lifecycle:   lc,
		disc:        disc,
		sched:       sched,
		store:       store,
		notifier:    notifier,
		metrics:     m,
		log:         log,
		state:       StateIdle,
		uptimeStart: time.Now().UTC(),
	}
	o.cfg.Store(cfg)
	return o
}

// Config returns the current configuration snapshot.
func (o *Orchestrator) Config() *config.Config {
	return o.cfg.Load()
}

// State returns the current hop state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// GetStatus returns the queryable snapshot.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		State:       o.state,
		UptimeStart: o.uptimeStart,
		CycleCount:  o.cycleCount,
		LastCycle:   o.lastCycle,
	}
	if o.lease != nil {
		st.VlanID = o.lease.VlanID
		st.SourceIP = o.lease.IP
	}
	return st
}

// setStateLocked mutates the state; callers hold mu.
func (o *Orchestrator) setStateLocked(s State) {
	o.state = s
	if o.metrics != nil {
		o.metrics.SetState(stateGauge[s])
	}
}

// UpdateConfig atomically swaps the configuration snapshot. Rejected
// while attacking: lifecycle resources must not mutate under active
// modules. In-flight cycles keep the snapshot captured at cycle start.
func (o *Orchestrator) UpdateConfig(next *config.Config) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateAttacking {
		return cberrors.New(cberrors.KindConfigRejected,
			"config updates are rejected while attacking")
	}
	o.cfg.Store(next)
	return nil
}

// reserve performs the idle|cooldown → hopping transition and installs
// the cycle's cancellation handle. Every hop enters through here.
func (o *Orchestrator) reserve() (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy || (o.state != StateIdle && o.state != StateCooldown) {
		return nil, cberrors.New(cberrors.KindInvalidStateTransition,
			fmt.Sprintf("cannot start a hop while %s", o.state))
	}
	o.busy = true
	o.setStateLocked(StateHopping)
	ctx, cancel := context.WithCancel(context.Background())
	o.cycleCancel = cancel
	o.cycleDone = make(chan struct{})
	return ctx, nil
}

// pickVlan selects the next VLAN from the rotation, optionally filtered.
func (o *Orchestrator) pickVlan(cfg *config.Config, filter []int) (config.VlanProfile, error) {
	allowed := cfg.Vlans
	if len(filter) > 0 {
		want := map[int]bool{}
		for _, id := range filter {
			want[id] = true
		}
		allowed = nil
		for _, v := range cfg.Vlans {
			if want[v.ID] {
				allowed = append(allowed, v)
			}
		}
	}
	if len(allowed) == 0 {
		return config.VlanProfile{}, cberrors.New(cberrors.KindConfigRejected, "no VLANs match filter")
	}
	o.mu.Lock()
	idx := o.rotIdx % len(allowed)
	o.rotIdx++
	o.mu.Unlock()
	return allowed[idx], nil
}

// RunOnce executes one full hop cycle against the next VLAN in the
// rotation and blocks until it finishes. Manual cycles return to idle.
func (o *Orchestrator) RunOnce(ctx context.Context, vlanFilter []int) (*CycleResult, error) {
	cfg := o.cfg.Load()
	profile, err := o.pickVlan(cfg, vlanFilter)
	if err != nil {
		return nil, err
	}
	cycleCtx, err := o.reserve()
	if err != nil {
		return nil, err
	}
	stop := linkContexts(ctx, o)
	defer stop()
	return o.runCycle(cycleCtx, cfg, profile, nil, false), nil
}

// Trigger runs a single manual cycle against one VLAN with an optional
// module subset. Rejected while a hop or attack is in flight.
func (o *Orchestrator) Trigger(ctx context.Context, vlanID int, moduleFilter []string) (*CycleResult, error) {
	cfg := o.cfg.Load()
	profile, ok := cfg.Profile(vlanID)
	if !ok {
		return nil, cberrors.New(cberrors.KindConfigRejected,
			fmt.Sprintf("VLAN %d not in config", vlanID))
	}
	if _, err := modules.Build(cfg, moduleFilter); err != nil {
		return nil, cberrors.Wrap(cberrors.KindConfigRejected, "bad module subset", err)
	}
	cycleCtx, err := o.reserve()
	if err != nil {
		return nil, err
	}
	stop := linkContexts(ctx, o)
	defer stop()
	return o.runCycle(cycleCtx, cfg, profile, moduleFilter, false), nil
}

// TriggerAsync validates and reserves synchronously (so precondition
// violations reject with 409 semantics) and runs the cycle in the
// background.
func (o *Orchestrator) TriggerAsync(vlanID int, moduleFilter []string) error {
	cfg := o.cfg.Load()
	profile, ok := cfg.Profile(vlanID)
	if !ok {
		return cberrors.New(cberrors.KindConfigRejected,
			fmt.Sprintf("VLAN %d not in config", vlanID))
	}
	if _, err := modules.Build(cfg, moduleFilter); err != nil {
		return cberrors.Wrap(cberrors.KindConfigRejected, "bad module subset", err)
	}
	cycleCtx, err := o.reserve()
	if err != nil {
		return err
	}
	go o.runCycle(cycleCtx, cfg, profile, moduleFilter, false)
	return nil
}

// HopAsync reserves a single cycle against the rotation and runs it in
// the background.
func (o *Orchestrator) HopAsync(vlanFilter []int) error {
	cfg := o.cfg.Load()
	profile, err := o.pickVlan(cfg, vlanFilter)
	if err != nil {
		return err
	}
	cycleCtx, err := o.reserve()
	if err != nil {
		return err
	}
	go o.runCycle(cycleCtx, cfg, profile, nil, false)
	return nil
}

// Start launches daemon mode: continuous hop cycles with cooldown
// between them. Rejected unless idle or in cooldown.
func (o *Orchestrator) Start(vlanFilter []int) error {
	o.mu.Lock()
	if o.daemonCancel != nil {
		o.mu.Unlock()
		return cberrors.New(cberrors.KindInvalidStateTransition, "daemon already running")
	}
	if o.busy || (o.state != StateIdle && o.state != StateCooldown) {
		o.mu.Unlock()
		return cberrors.New(cberrors.KindInvalidStateTransition,
			fmt.Sprintf("cannot start daemon while %s", o.state))
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.daemonCancel = cancel
	o.daemonDone = make(chan struct{})
	done := o.daemonDone
	o.mu.Unlock()

	go o.daemonLoop(ctx, vlanFilter, done)
	return nil
}

// daemonLoop hops until stopped. Any single-cycle failure is recorded
// and the loop continues scheduling subsequent cycles.
func (o *Orchestrator) daemonLoop(ctx context.Context, vlanFilter []int, done chan struct{}) {
	defer close(done)
	f := logging.F{Module: "orchestrator"}
	o.log.Info(f, "daemon loop started")

	for ctx.Err() == nil {
		cfg := o.cfg.Load()
		profile, err := o.pickVlan(cfg, vlanFilter)
		if err != nil {
			o.log.Error(f, "daemon: %v", err)
			break
		}

		cycleCtx, err := o.reserve()
		if err != nil {
			// A manual cycle slipped in; give it room and retry.
			if !sleepCtx(ctx, 5*time.Second) {
				break
			}
			continue
		}
		stop := linkContexts(ctx, o)
		o.runCycle(cycleCtx, cfg, profile, nil, true)
		stop()

		min, max := cfg.Schedule.CooldownRange()
		cooldown := min
		if max > min {
			cooldown += time.Duration(rand.Int63n(int64(max - min)))
		}
		o.log.Info(f, "cooldown %.1fs", cooldown.Seconds())
		if !sleepCtx(ctx, cooldown) {
			break
		}
	}

	o.mu.Lock()
	o.setStateLocked(StateIdle)
	o.daemonCancel = nil
	o.mu.Unlock()
	o.log.Info(f, "daemon loop stopped")
}

// Stop is always legal: it cancels any in-flight hop or attack, forces
// teardown and returns once the orchestrator is idle. The aborted
// portion of an in-progress cycle is discarded without a history entry.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.daemonCancel != nil {
		o.daemonCancel()
	}
	if o.cycleCancel != nil {
		o.cycleCancel()
	}
	cycleDone := o.cycleDone
	daemonDone := o.daemonDone
	o.mu.Unlock()

	if cycleDone != nil {
		select {
		case <-cycleDone:
		case <-time.After(2 * time.Minute):
			o.log.Error(logging.F{Module: "orchestrator"}, "stop: cycle did not finish in time")
		}
	}
	if daemonDone != nil {
		select {
		case <-daemonDone:
		case <-time.After(30 * time.Second):
		}
	}

	o.mu.Lock()
	o.setStateLocked(StateIdle)
	o.daemonDone = nil
	o.mu.Unlock()
	return nil
}

// runCycle executes one hop cycle. The lease is released on every exit
// path: success, empty discovery, module error, cycle error or stop.
func (o *Orchestrator) runCycle(ctx context.Context, cfg *config.Config, profile config.VlanProfile, moduleFilter []string, daemon bool) *CycleResult {
	f := logging.F{Module: "orchestrator", VlanID: profile.ID}
	res := &CycleResult{
		ID:        uuid.NewString(),
		VlanID:    profile.ID,
		StartedAt: time.Now().UTC(),
	}

	var lease *vlan.LeaseRecord
	defer func() {
		// Teardown happens-before the next acquire: finish only returns
		// after Release completes (or no-ops).
		if lease != nil {
			o.lifecycle.Release(context.Background(), lease)
		}
		o.finishCycle(ctx, res, daemon)
	}()

	// Reserved segments are excluded at load time; re-assert before
	// touching the network.
	if config.Reserved(profile.ID) {
		res.Status = CycleError
		res.ErrorKind = cberrors.KindConfigRejected
		res.Message = fmt.Sprintf("VLAN %d is a reserved cluster-control segment", profile.ID)
		return res
	}

	o.log.Info(f, "hopping to VLAN %d (%s)", profile.ID, profile.Name)

	var err error
	lease, err = o.lifecycle.Acquire(ctx, profile)
	if err != nil {
		return o.failCycle(res, err)
	}
	res.SourceIP = lease.IP
	res.Lease = lease
	o.setLease(lease)
	defer o.setLease(nil)

	targets, err := o.disc.Discover(ctx, profile, lease.Interface, lease.IP)
	if err != nil {
		return o.failCycle(res, err)
	}
	res.TargetCount = len(targets)
	if len(targets) == 0 {
		o.log.Warn(f, "no targets found on VLAN %d, skipping attack phase", profile.ID)
		return o.failCycle(res, cberrors.New(cberrors.KindNoTargets,
			fmt.Sprintf("no targets on VLAN %d", profile.ID)))
	}

	mods, err := modules.Build(cfg, moduleFilter)
	if err != nil {
		return o.failCycle(res, err)
	}

	o.mu.Lock()
	o.setStateLocked(StateAttacking)
	o.mu.Unlock()

	res.Modules = o.sched.Run(ctx, mods, targets, cfg, modules.Bind{
		SourceIP:  lease.IP,
		Interface: lease.Interface,
	})
	if ctx.Err() != nil {
		res.Status = CycleAborted
		return res
	}

	res.Status = CycleComplete
	return res
}

// failCycle classifies a cycle-aborting error into the result.
func (o *Orchestrator) failCycle(res *CycleResult, err error) *CycleResult {
	if stderrors.Is(err, context.Canceled) {
		res.Status = CycleAborted
		return res
	}
	res.Status = CycleError
	res.ErrorKind = cberrors.KindOf(err)
	res.Message = err.Error()
	o.log.Error(logging.F{Module: "orchestrator", VlanID: res.VlanID}, "cycle failed: %v", err)
	return res
}

// finishCycle finalizes the result, records it and returns the state
// machine to idle or cooldown. Aborted cycles are discarded.
func (o *Orchestrator) finishCycle(ctx context.Context, res *CycleResult, daemon bool) {
	res.EndedAt = time.Now().UTC()
	if ctx.Err() != nil && res.Status == "" {
		res.Status = CycleAborted
	}

	aborted := res.Status == CycleAborted

	o.mu.Lock()
	if aborted || !daemon {
		o.setStateLocked(StateIdle)
	} else {
		o.setStateLocked(StateCooldown)
	}
	if !aborted {
		o.cycleCount++
		o.lastCycle = res
	}
	o.busy = false
	o.cycleCancel = nil
	done := o.cycleDone
	o.cycleDone = nil
	o.mu.Unlock()
	defer func() {
		if done != nil {
			close(done)
		}
	}()

	if aborted {
		o.log.Info(logging.F{Module: "orchestrator", VlanID: res.VlanID}, "cycle aborted, discarding")
		return
	}

	o.record(res)
	o.report(res)
}

// record appends the finalized cycle to history.
func (o *Orchestrator) record(res *CycleResult) {
	if o.store == nil {
		return
	}
	e := history.Entry{
		CycleID:     res.ID,
		VlanID:      res.VlanID,
		Status:      res.Status,
		ErrorKind:   string(res.ErrorKind),
		Message:     res.Message,
		StartedAt:   res.StartedAt,
		EndedAt:     res.EndedAt,
		Duration:    res.EndedAt.Sub(res.StartedAt).Seconds(),
		TargetCount: res.TargetCount,
	}
	if res.Lease != nil {
		e.IP = res.Lease.IP
		e.MAC = res.Lease.MAC
		e.Interface = res.Lease.Interface
	}
	for name := range res.Modules {
		e.ModulesRun = append(e.ModulesRun, name)
	}
	if _, err := o.store.Append(e); err != nil {
		o.log.Error(logging.F{Module: "orchestrator", VlanID: res.VlanID}, "record cycle: %v", err)
	}
}

// report pushes the cycle to metrics and the notification sink.
func (o *Orchestrator) report(res *CycleResult) {
	duration := res.EndedAt.Sub(res.StartedAt)
	moduleNames := make([]string, 0, len(res.Modules))
	statuses := make(map[string]string, len(res.Modules))
	for name, r := range res.Modules {
		moduleNames = append(moduleNames, name)
		statuses[name] = string(r.Status)
	}

	if o.metrics != nil {
		o.metrics.CyclesTotal.Inc()
		o.metrics.TargetsTotal.Add(float64(res.TargetCount))
		if res.Status == CycleComplete {
			o.metrics.RecordHop(res.VlanID, duration, statuses)
		}
	}
	if o.notifier == nil {
		return
	}
	if res.Status == CycleComplete {
		ip := ""
		if res.Lease != nil {
			ip = res.Lease.IP
		}
		o.notifier.CycleComplete(res.VlanID, ip, duration, moduleNames)
	} else {
		o.notifier.CycleError(res.VlanID, res.Message)
	}
}

// setLease publishes the active lease for status readers.
func (o *Orchestrator) setLease(l *vlan.LeaseRecord) {
	o.mu.Lock()
	o.lease = l
	o.mu.Unlock()
}

// linkContexts cancels the active cycle when the caller's context dies.
func linkContexts(ctx context.Context, o *Orchestrator) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			cancel := o.cycleCancel
			o.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

// sleepCtx sleeps for d, returning false when ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoslab/chaosbot/internal/config"
	"github.com/chaoslab/chaosbot/internal/discovery"
	"github.com/chaoslab/chaosbot/internal/execx"
	"github.com/chaoslab/chaosbot/internal/logging"
	"github.com/chaoslab/chaosbot/internal/modules"
)

// fakeModule is a scriptable module for scheduler tests.
type fakeModule struct {
	name   string
	sample int
	run    func(ctx context.Context, job modules.Job) (modules.Result, error)

	mu      sync.Mutex
	gotJobs []modules.Job
}

func (m *fakeModule) Name() string    { return m.name }
func (m *fakeModule) SampleSize() int { return m.sample }

func (m *fakeModule) Run(ctx context.Context, job modules.Job) (modules.Result, error) {
	m.mu.Lock()
	m.gotJobs = append(m.gotJobs, job)
	m.mu.Unlock()
	if m.run != nil {
		return m.run(ctx, job)
	}
	return modules.Result{Status: modules.StatusSuccess}, nil
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.NewLogger(logging.LogLevelDebug, "")
	require.NoError(t, err)
	return l
}

func testTargets(ips ...string) []discovery.Target {
	var out []discovery.Target
	for _, ip := range ips {
		out = append(out, discovery.Target{IP: ip, Origin: discovery.OriginDiscovered})
	}
	return out
}

func TestRunIsolatesFailures(t *testing.T) {
	ok := &fakeModule{name: "net_scanner"}
	bad := &fakeModule{name: "dns_noise", run: func(ctx context.Context, job modules.Job) (modules.Result, error) {
		return modules.Result{}, errors.New("resolver unreachable")
	}}
	panicky := &fakeModule{name: "http_probe", run: func(ctx context.Context, job modules.Job) (modules.Result, error) {
		panic("boom")
	}}

	s := New(testLogger(t), execx.DryRun{}, WithProbeRate(1000))
	results := s.Run(context.Background(), []modules.Module{ok, bad, panicky},
		testTargets("10.40.40.5"), &config.Config{}, modules.Bind{})

	require.Len(t, results, 3)
	assert.Equal(t, modules.StatusSuccess, results["net_scanner"].Status)
	assert.Equal(t, modules.StatusError, results["dns_noise"].Status)
	assert.Contains(t, results["dns_noise"].Detail, "resolver unreachable")
	assert.Equal(t, modules.StatusError, results["http_probe"].Status)
	assert.Contains(t, results["http_probe"].Detail, "panic: boom")
}

func TestRunModuleTimeout(t *testing.T) {
	slow := &fakeModule{name: "net_scanner", run: func(ctx context.Context, job modules.Job) (modules.Result, error) {
		<-ctx.Done()
		return modules.Result{}, ctx.Err()
	}}

	cfg := &config.Config{Schedule: config.ScheduleConfig{ModuleTimeout: 1}}
	s := New(testLogger(t), execx.DryRun{})

	start := time.Now()
	results := s.Run(context.Background(), []modules.Module{slow},
		testTargets("10.40.40.5"), cfg, modules.Bind{})

	require.Contains(t, results, "net_scanner")
	assert.Equal(t, modules.StatusTimeout, results["net_scanner"].Status)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunCycleCancelled(t *testing.T) {
	blocked := &fakeModule{name: "net_scanner", run: func(ctx context.Context, job modules.Job) (modules.Result, error) {
		<-ctx.Done()
		return modules.Result{}, ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	s := New(testLogger(t), execx.DryRun{})
	results := s.Run(ctx, []modules.Module{blocked},
		testTargets("10.40.40.5"), &config.Config{}, modules.Bind{})

	assert.Equal(t, modules.StatusError, results["net_scanner"].Status)
	assert.Equal(t, "cycle cancelled", results["net_scanner"].Detail)
}

func TestRunSharedBudgetAcrossModules(t *testing.T) {
	consume := func(ctx context.Context, job modules.Job) (modules.Result, error) {
		for i := 0; i < 5; i++ {
			job.Budget.Allow("10.40.40.5", "ssh")
		}
		return modules.Result{Status: modules.StatusSuccess}, nil
	}
	m1 := &fakeModule{name: "net_scanner", run: consume}
	m2 := &fakeModule{name: "auth_prober", run: consume}

	s := New(testLogger(t), execx.DryRun{})
	s.Run(context.Background(), []modules.Module{m1, m2},
		testTargets("10.40.40.5"), &config.Config{}, modules.Bind{})

	// Both modules drew from the same budget instance.
	require.Len(t, m1.gotJobs, 1)
	require.Len(t, m2.gotJobs, 1)
	assert.Same(t, m1.gotJobs[0].Budget, m2.gotJobs[0].Budget)
	assert.Equal(t, AttemptCap, m1.gotJobs[0].Budget.Used("10.40.40.5", "ssh"))
}

func TestRunSamplesTargets(t *testing.T) {
	capped := &fakeModule{name: "net_scanner", sample: 2}
	full := &fakeModule{name: "dns_noise", sample: 0}

	s := New(testLogger(t), execx.DryRun{})
	s.Run(context.Background(), []modules.Module{capped, full},
		testTargets("10.40.40.5", "10.40.40.6", "10.40.40.7", "10.40.40.8"),
		&config.Config{}, modules.Bind{})

	require.Len(t, capped.gotJobs, 1)
	assert.Len(t, capped.gotJobs[0].Targets, 2)
	require.Len(t, full.gotJobs, 1)
	assert.Len(t, full.gotJobs[0].Targets, 4, "sample 0 passes the full set")
}

func TestRunExpandsCIDRTargets(t *testing.T) {
	mod := &fakeModule{name: "net_scanner"}

	s := New(testLogger(t), execx.DryRun{})
	s.Run(context.Background(), []modules.Module{mod},
		[]discovery.Target{{IP: "10.50.50.0/29", Origin: discovery.OriginStatic}},
		&config.Config{}, modules.Bind{})

	require.Len(t, mod.gotJobs, 1)
	targets := mod.gotJobs[0].Targets
	// A /29 holds 6 hosts after dropping network and broadcast.
	assert.Len(t, targets, 5, "CIDR expansion samples at most cidrSampleSize hosts")
	for _, tgt := range targets {
		assert.NotContains(t, tgt.IP, "/")
		assert.NotEqual(t, "10.50.50.0", tgt.IP)
		assert.NotEqual(t, "10.50.50.7", tgt.IP)
	}
}

func TestRunEmptyInputs(t *testing.T) {
	s := New(testLogger(t), execx.DryRun{})
	assert.Empty(t, s.Run(context.Background(), nil, testTargets("10.40.40.5"), &config.Config{}, modules.Bind{}))

	mod := &fakeModule{name: "net_scanner"}
	assert.Empty(t, s.Run(context.Background(), []modules.Module{mod}, nil, &config.Config{}, modules.Bind{}))
	assert.Empty(t, mod.gotJobs, "modules never run without targets")
}

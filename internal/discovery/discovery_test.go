package discovery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoslab/chaosbot/internal/config"
	cberrors "github.com/chaoslab/chaosbot/internal/errors"
	"github.com/chaoslab/chaosbot/internal/execx"
	"github.com/chaoslab/chaosbot/internal/logging"
)

type scriptedRunner struct {
	lastArgs []string
	result   execx.Result
	err      error
}

func (s *scriptedRunner) Run(ctx context.Context, name string, args ...string) (execx.Result, error) {
	s.lastArgs = append([]string{name}, args...)
	if ctx.Err() != nil {
		return execx.Result{ExitCode: -1}, ctx.Err()
	}
	return s.result, s.err
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.NewLogger(logging.LogLevelDebug, "")
	require.NoError(t, err)
	return l
}

const sweepOutput = `Starting Nmap 7.94 ( https://nmap.org )
Nmap scan report for 10.40.40.1
Host is up (0.00042s latency).
Nmap scan report for 10.40.40.5
Host is up (0.00051s latency).
Nmap scan report for files.corp.lab (10.40.40.9)
Host is up (0.00038s latency).
Nmap scan report for 10.40.40.50
Host is up.
Nmap done: 256 IP addresses (4 hosts up) scanned in 3.21 seconds
`

func TestDiscoverExcludesGatewayAndSelf(t *testing.T) {
	runner := &scriptedRunner{result: execx.Result{Stdout: sweepOutput}}
	e := NewEngine(runner, testLogger(t), false)

	profile := config.VlanProfile{ID: 40, Gateway: "10.40.40.1", Discovery: config.PolicyARPOnly}
	targets, err := e.Discover(context.Background(), profile, "eth1.40", "10.40.40.50")
	require.NoError(t, err)

	require.Len(t, targets, 2)
	assert.Equal(t, "10.40.40.5", targets[0].IP)
	assert.Equal(t, OriginDiscovered, targets[0].Origin)
	assert.Equal(t, "10.40.40.9", targets[1].IP)
	assert.Equal(t, "files.corp.lab", targets[1].Hostname)

	// Sweep is sourced from the leased identity on the sub-interface.
	line := strings.Join(runner.lastArgs, " ")
	assert.Equal(t, "nmap -sn -PR -S 10.40.40.50 -e eth1.40 10.40.40.0/24", line)
}

func TestDiscoverStaticFallback(t *testing.T) {
	profile := config.VlanProfile{
		ID:        41,
		Gateway:   "10.41.41.1",
		Discovery: config.PolicyARPStaticFallback,
		Targets:   []string{"10.41.41.10", "10.41.41.20"},
	}

	runner := &scriptedRunner{result: execx.Result{Stdout: "Nmap done: 256 IP addresses (0 hosts up)\n"}}
	e := NewEngine(runner, testLogger(t), false)

	targets, err := e.Discover(context.Background(), profile, "eth1.41", "10.41.41.50")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, OriginStatic, targets[0].Origin)
	assert.Equal(t, "10.41.41.10", targets[0].IP)
}

func TestDiscoverExcludesConfiguredHosts(t *testing.T) {
	runner := &scriptedRunner{result: execx.Result{Stdout: sweepOutput}}
	e := NewEngine(runner, testLogger(t), false,
		WithExcludedHosts([]string{"10.40.40.9"}))

	profile := config.VlanProfile{ID: 40, Gateway: "10.40.40.1", Discovery: config.PolicyARPOnly}
	targets, err := e.Discover(context.Background(), profile, "eth1.40", "10.40.40.50")
	require.NoError(t, err)

	require.Len(t, targets, 1)
	assert.Equal(t, "10.40.40.5", targets[0].IP)
}

func TestDiscoverExcludedHostsFilterStaticFallback(t *testing.T) {
	profile := config.VlanProfile{
		ID:        41,
		Gateway:   "10.41.41.1",
		Discovery: config.PolicyARPStaticFallback,
		Targets:   []string{"10.41.41.10", "10.41.41.20"},
	}

	runner := &scriptedRunner{result: execx.Result{Stdout: "Nmap done: 256 IP addresses (0 hosts up)\n"}}
	e := NewEngine(runner, testLogger(t), false,
		WithExcludedHosts([]string{"10.41.41.10"}))

	targets, err := e.Discover(context.Background(), profile, "eth1.41", "10.41.41.50")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "10.41.41.20", targets[0].IP)
}

func TestDiscoverNoFallbackWhenSweepFindsHosts(t *testing.T) {
	profile := config.VlanProfile{
		ID:        41,
		Gateway:   "10.41.41.1",
		Discovery: config.PolicyARPStaticFallback,
		Targets:   []string{"10.41.41.99"},
	}

	runner := &scriptedRunner{result: execx.Result{Stdout: "Nmap scan report for 10.41.41.7\nHost is up.\n"}}
	e := NewEngine(runner, testLogger(t), false)

	targets, err := e.Discover(context.Background(), profile, "eth1.41", "10.41.41.50")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "10.41.41.7", targets[0].IP)
}

func TestDiscoverArpOnlyEmptyStaysEmpty(t *testing.T) {
	profile := config.VlanProfile{
		ID:        40,
		Gateway:   "10.40.40.1",
		Discovery: config.PolicyARPOnly,
		Targets:   []string{"10.40.40.99"},
	}

	runner := &scriptedRunner{result: execx.Result{Stdout: "Nmap done: 256 IP addresses (0 hosts up)\n"}}
	e := NewEngine(runner, testLogger(t), false)

	targets, err := e.Discover(context.Background(), profile, "eth1.40", "10.40.40.50")
	require.NoError(t, err)
	assert.Empty(t, targets, "arp_only never falls back to static targets")
}

func TestDiscoverToolFailureIsEmptyResult(t *testing.T) {
	runner := &scriptedRunner{err: errors.New("exec: \"nmap\": executable file not found in $PATH")}
	e := NewEngine(runner, testLogger(t), false)

	profile := config.VlanProfile{ID: 40, Gateway: "10.40.40.1", Discovery: config.PolicyARPOnly}
	targets, err := e.Discover(context.Background(), profile, "eth1.40", "10.40.40.50")
	require.NoError(t, err, "a missing sweep tool is an empty result, not a cycle error")
	assert.Empty(t, targets)
}

func TestDiscoverSweepTimeout(t *testing.T) {
	runner := &scriptedRunner{err: context.DeadlineExceeded}
	e := NewEngine(runner, testLogger(t), false)
	e.timeout = 0 // expire the sweep bound immediately

	profile := config.VlanProfile{ID: 40, Gateway: "10.40.40.1", Discovery: config.PolicyARPOnly}
	_, err := e.Discover(context.Background(), profile, "eth1.40", "10.40.40.50")
	require.Error(t, err)
	assert.True(t, cberrors.IsKind(err, cberrors.KindDiscoveryTimeout))
}

func TestDiscoverCancelledCycle(t *testing.T) {
	runner := &scriptedRunner{result: execx.Result{Stdout: sweepOutput}}
	e := NewEngine(runner, testLogger(t), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	profile := config.VlanProfile{ID: 40, Gateway: "10.40.40.1", Discovery: config.PolicyARPOnly}
	_, err := e.Discover(ctx, profile, "eth1.40", "10.40.40.50")
	require.ErrorIs(t, err, context.Canceled)
}

func TestDiscoverDryRun(t *testing.T) {
	runner := &scriptedRunner{result: execx.Result{Stdout: sweepOutput}}
	e := NewEngine(runner, testLogger(t), true)

	profile := config.VlanProfile{ID: 40, Gateway: "10.40.40.1", Discovery: config.PolicyARPOnly}
	targets, err := e.Discover(context.Background(), profile, "eth1.40", "10.40.40.50")
	require.NoError(t, err)
	assert.Empty(t, targets)
	assert.Empty(t, runner.lastArgs, "dry-run never invokes the sweep tool")
}

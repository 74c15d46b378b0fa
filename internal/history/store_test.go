package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "lease_history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEntry(vlan int, ip string, duration float64) Entry {
	started := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	return Entry{
		CycleID:     "cycle-" + ip,
		VlanID:      vlan,
		IP:          ip,
		MAC:         "aa:bb:cc:dd:ee:ff",
		Interface:   "eth1.40",
		Status:      "complete",
		StartedAt:   started,
		EndedAt:     started.Add(time.Duration(duration * float64(time.Second))),
		Duration:    duration,
		ModulesRun:  []string{"net_scanner", "dns_noise"},
		TargetCount: 3,
	}
}

func TestAppendAndQuery(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Append(sampleEntry(40, "10.40.40.50", 120))
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	entries, err := s.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, 40, e.VlanID)
	assert.Equal(t, "10.40.40.50", e.IP)
	assert.Equal(t, "complete", e.Status)
	assert.Equal(t, []string{"net_scanner", "dns_noise"}, e.ModulesRun)
	assert.Equal(t, 3, e.TargetCount)
	assert.Equal(t, 120.0, e.Duration)
	assert.Equal(t, time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC), e.StartedAt.UTC())
}

func TestQueryFilters(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Append(sampleEntry(40, "10.40.40.50", 60))
	require.NoError(t, err)
	_, err = s.Append(sampleEntry(40, "10.40.40.51", 180))
	require.NoError(t, err)
	_, err = s.Append(sampleEntry(41, "10.41.41.10", 300))
	require.NoError(t, err)

	byVlan, err := s.Query(Filter{VlanID: 40})
	require.NoError(t, err)
	assert.Len(t, byVlan, 2)

	byIP, err := s.Query(Filter{IP: "10.41.41.10"})
	require.NoError(t, err)
	require.Len(t, byIP, 1)
	assert.Equal(t, 41, byIP[0].VlanID)

	longOnes, err := s.Query(Filter{MinDuration: 2 * time.Minute})
	require.NoError(t, err)
	assert.Len(t, longOnes, 2)

	window, err := s.Query(Filter{MinDuration: 2 * time.Minute, MaxDuration: 4 * time.Minute})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "10.40.40.51", window[0].IP)

	limited, err := s.Query(Filter{Last: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	// Newest first.
	assert.Equal(t, "10.41.41.10", limited[0].IP)
}

func TestLastIP(t *testing.T) {
	s := openTestStore(t)

	_, ok := s.LastIP(40)
	assert.False(t, ok, "empty store has no prior lease")

	_, err := s.Append(sampleEntry(40, "10.40.40.50", 60))
	require.NoError(t, err)
	_, err = s.Append(sampleEntry(40, "10.40.40.51", 60))
	require.NoError(t, err)

	// Error cycles without a lease never shadow the last real address.
	errEntry := Entry{CycleID: "cycle-err", VlanID: 40, Status: "error", ErrorKind: "lease_timeout", StartedAt: time.Now().UTC()}
	_, err = s.Append(errEntry)
	require.NoError(t, err)

	ip, ok := s.LastIP(40)
	require.True(t, ok)
	assert.Equal(t, "10.40.40.51", ip)

	_, ok = s.LastIP(99)
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Append(sampleEntry(40, "10.40.40.50", 60))
	require.NoError(t, err)

	n, err := s.Clear()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := s.Query(Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

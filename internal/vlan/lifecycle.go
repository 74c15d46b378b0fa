// Package vlan manages the 802.1Q sub-interface lifecycle: create, DHCP,
// policy routing, teardown. Requires root privileges outside dry-run.
package vlan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/chaoslab/chaosbot/internal/config"
	cberrors "github.com/chaoslab/chaosbot/internal/errors"
	"github.com/chaoslab/chaosbot/internal/execx"
	"github.com/chaoslab/chaosbot/internal/logging"
	"github.com/chaoslab/chaosbot/internal/metrics"
	"github.com/chaoslab/chaosbot/internal/netdetect"
)

// routingTable is the policy-routing table attack traffic is pinned to.
const routingTable = "attack"

// dhcpAttempts bounds how many leases we request while trying to avoid
// reusing the previous address on a VLAN.
const dhcpAttempts = 3

// dryRunIP is the fake lease address reported in dry-run mode.
const dryRunIP = "192.168.0.100"

// LeaseRecord describes one held (or finished) DHCP lease on a VLAN
// sub-interface. It is owned by the Manager while active and copied into
// history on teardown.
type LeaseRecord struct {
	VlanID     int           `json:"vlan_id"`
	IP         string        `json:"ip"`
	MAC        string        `json:"mac,omitempty"`
	Interface  string        `json:"iface"`
	Gateway    string        `json:"gateway,omitempty"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ReleasedAt time.Time     `json:"released_at,omitzero"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// PriorLeases answers duplicate-IP checks against recorded history.
type PriorLeases interface {
	// LastIP returns the address of the most recent lease on the VLAN.
	LastIP(vlanID int) (string, bool)
}

// Manager creates and destroys VLAN sub-interfaces.
type Manager struct {
	runner       execx.Runner
	log          *logging.Logger
	parent       string
	leaseTimeout time.Duration
	dryRun       bool
	prior        PriorLeases
	metrics      *metrics.Metrics

	// nicExists is swappable for tests; defaults to netdetect.Exists.
	nicExists func(string) bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithPriorLeases enables duplicate-lease avoidance against history.
func WithPriorLeases(p PriorLeases) Option {
	return func(m *Manager) { m.prior = p }
}

// WithDryRun substitutes fake lease data for OS mutation.
func WithDryRun(dry bool) Option {
	return func(m *Manager) { m.dryRun = dry }
}

// WithNICCheck overrides attack-NIC presence detection.
func WithNICCheck(f func(string) bool) Option {
	return func(m *Manager) { m.nicExists = f }
}

// WithMetrics publishes lease-level counters. May be nil.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager builds a lifecycle manager for the given parent interface.
func NewManager(runner execx.Runner, log *logging.Logger, parent string, leaseTimeout time.Duration, opts ...Option) *Manager {
	m := &Manager{
		runner:       runner,
		log:          log,
		parent:       parent,
		leaseTimeout: leaseTimeout,
		nicExists:    netdetect.Exists,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// IfaceName returns the sub-interface name for a VLAN id (eth1.40 style).
func (m *Manager) IfaceName(vlanID int) string {
	return fmt.Sprintf("%s.%d", m.parent, vlanID)
}

// Acquire creates the tagged sub-interface for the profile, obtains a
// DHCP lease and installs policy routing. A stale sub-interface left by a
// prior crashed run is torn down first; a second consecutive create
// failure is a hard InterfaceCreateError.
func (m *Manager) Acquire(ctx context.Context, profile config.VlanProfile) (*LeaseRecord, error) {
	if config.Reserved(profile.ID) {
		return nil, cberrors.New(cberrors.KindConfigRejected,
			fmt.Sprintf("vlan %d is a reserved cluster-control segment", profile.ID))
	}
	if !m.dryRun && !m.nicExists(m.parent) {
		e := cberrors.New(cberrors.KindInterfaceCreate,
			fmt.Sprintf("attack interface %s not present", m.parent))
		e.Hint = "check the attack NIC cabling and the general.interface setting"
		return nil, e
	}

	iface := m.IfaceName(profile.ID)
	f := logging.F{Module: "vlan", VlanID: profile.ID}

	if m.subIfaceExists(ctx, iface) {
		m.log.Warn(f, "stale interface %s found, cleaning up", iface)
		m.teardownIface(ctx, iface, "")
	}

	if err := m.createIface(ctx, iface, profile.ID); err != nil {
		// One cleanup-then-create pass, then give up.
		m.teardownIface(ctx, iface, "")
		if err := m.createIface(ctx, iface, profile.ID); err != nil {
			return nil, cberrors.Wrap(cberrors.KindInterfaceCreate,
				fmt.Sprintf("create %s failed", iface), err)
		}
	}

	ip, err := m.obtainLease(ctx, iface, profile.ID)
	if err != nil {
		m.teardownIface(ctx, iface, "")
		return nil, err
	}
	m.log.Info(logging.F{Module: "vlan", VlanID: profile.ID, SourceIP: ip}, "got IP %s on VLAN %d", ip, profile.ID)

	if profile.Gateway != "" {
		if err := m.setupRouting(ctx, ip, profile.Gateway, iface); err != nil {
			m.teardownIface(ctx, iface, ip)
			return nil, err
		}
	}

	return &LeaseRecord{
		VlanID:     profile.ID,
		IP:         ip,
		MAC:        m.macAddr(ctx, iface),
		Interface:  iface,
		Gateway:    profile.Gateway,
		AcquiredAt: time.Now().UTC(),
	}, nil
}

// Release tears down the lease's routing, DHCP state and sub-interface.
// Safe to call repeatedly and with a nil lease; every command is
// best-effort so partial prior teardown never surfaces as an error.
func (m *Manager) Release(ctx context.Context, lease *LeaseRecord) error {
	if lease == nil {
		return nil
	}
	m.log.Info(logging.F{Module: "vlan", VlanID: lease.VlanID}, "tearing down VLAN %d", lease.VlanID)
	m.teardownIface(ctx, lease.Interface, lease.IP)
	if lease.ReleasedAt.IsZero() {
		lease.ReleasedAt = time.Now().UTC()
		lease.Duration = lease.ReleasedAt.Sub(lease.AcquiredAt)
	}
	return nil
}

func (m *Manager) subIfaceExists(ctx context.Context, iface string) bool {
	if m.dryRun {
		return false
	}
	res, err := m.runner.Run(ctx, "ip", "link", "show", iface)
	return err == nil && res.ExitCode == 0
}

func (m *Manager) createIface(ctx context.Context, iface string, vlanID int) error {
	res, err := m.runner.Run(ctx, "ip", "link", "add", "link", m.parent,
		"name", iface, "type", "vlan", "id", fmt.Sprint(vlanID))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("ip link add exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	res, err = m.runner.Run(ctx, "ip", "link", "set", iface, "up")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("ip link set up exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// obtainLease requests a DHCP lease, retrying for a fresh address when the
// previous lease on this VLAN had the same IP. DHCP consistently handing
// back the same address is accepted after dhcpAttempts tries.
func (m *Manager) obtainLease(ctx context.Context, iface string, vlanID int) (string, error) {
	f := logging.F{Module: "vlan", VlanID: vlanID}

	var lastIP string
	for attempt := 1; attempt <= dhcpAttempts; attempt++ {
		ip, err := m.requestDHCP(ctx, iface)
		if err != nil {
			return "", err
		}
		if ip == "" {
			m.log.Warn(f, "DHCP failed on attempt %d", attempt)
			continue
		}
		lastIP = ip
		if m.prior != nil {
			if prev, ok := m.prior.LastIP(vlanID); ok && prev == ip {
				m.log.Warn(logging.F{Module: "vlan", VlanID: vlanID, SourceIP: ip},
					"duplicate IP %s on VLAN %d, retrying", ip, vlanID)
				if m.metrics != nil {
					m.metrics.DuplicateIPs.Inc()
				}
				m.runner.Run(ctx, "dhclient", "-r", iface)
				continue
			}
		}
		return ip, nil
	}

	if lastIP != "" {
		m.log.Warn(logging.F{Module: "vlan", VlanID: vlanID, SourceIP: lastIP},
			"accepting duplicate IP %s on VLAN %d", lastIP, vlanID)
		// Re-obtain the lease we released while hunting for a fresh one.
		if ip, err := m.requestDHCP(ctx, iface); err == nil && ip != "" {
			return ip, nil
		}
		return lastIP, nil
	}

	e := cberrors.New(cberrors.KindLeaseTimeout,
		fmt.Sprintf("no DHCP lease on %s within %s", iface, m.leaseTimeout))
	e.Hint = "verify a DHCP server answers on this VLAN"
	return "", e
}

// requestDHCP runs one bounded dhclient negotiation and parses the
// assigned address. Returns "" when no address was obtained in time.
func (m *Manager) requestDHCP(ctx context.Context, iface string) (string, error) {
	dhcpCtx, cancel := context.WithTimeout(ctx, m.leaseTimeout)
	defer cancel()

	op := func() error {
		res, err := m.runner.Run(dhcpCtx, "dhclient", "-1", "-v", iface)
		if err != nil {
			return backoff.Permanent(err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("dhclient exited %d", res.ExitCode)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxElapsedTime = m.leaseTimeout
	if err := backoff.Retry(op, backoff.WithContext(bo, dhcpCtx)); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", nil
	}

	if m.dryRun {
		return dryRunIP, nil
	}
	return m.assignedIP(ctx, iface), nil
}

// assignedIP parses `ip -4 -o addr show` output for the interface address.
func (m *Manager) assignedIP(ctx context.Context, iface string) string {
	res, err := m.runner.Run(ctx, "ip", "-4", "-o", "addr", "show", iface)
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		parts := strings.Fields(line)
		for i, part := range parts {
			if part == "inet" && i+1 < len(parts) {
				return strings.SplitN(parts[i+1], "/", 2)[0]
			}
		}
	}
	return ""
}

func (m *Manager) setupRouting(ctx context.Context, ip, gateway, iface string) error {
	res, err := m.runner.Run(ctx, "ip", "rule", "add", "from", ip, "table", routingTable)
	if err != nil || res.ExitCode != 0 {
		return cberrors.Wrap(cberrors.KindRoutingSetup,
			fmt.Sprintf("install source rule for %s", ip), err)
	}
	res, err = m.runner.Run(ctx, "ip", "route", "add", "default", "via", gateway,
		"dev", iface, "table", routingTable)
	if err != nil || res.ExitCode != 0 {
		m.runner.Run(ctx, "ip", "rule", "del", "from", ip, "table", routingTable)
		return cberrors.Wrap(cberrors.KindRoutingSetup,
			fmt.Sprintf("install default route via %s", gateway), err)
	}
	return nil
}

// teardownIface removes routing, releases DHCP and deletes the
// sub-interface. Every step is best-effort: teardown must succeed from
// any partial state.
func (m *Manager) teardownIface(ctx context.Context, iface, ip string) {
	if ip != "" {
		m.runner.Run(ctx, "ip", "rule", "del", "from", ip, "table", routingTable)
	}
	m.runner.Run(ctx, "ip", "route", "flush", "table", routingTable)
	m.runner.Run(ctx, "dhclient", "-r", iface)
	m.runner.Run(ctx, "ip", "link", "set", iface, "down")
	m.runner.Run(ctx, "ip", "link", "delete", iface)
}

func (m *Manager) macAddr(ctx context.Context, iface string) string {
	if m.dryRun {
		return "00:00:00:00:00:00"
	}
	res, err := m.runner.Run(ctx, "ip", "link", "show", iface)
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "link/ether") {
			parts := strings.Fields(line)
			if len(parts) > 1 {
				return parts[1]
			}
		}
	}
	return ""
}

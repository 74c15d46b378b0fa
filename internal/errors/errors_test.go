package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := New(KindLeaseTimeout, "no DHCP lease on eth1.40 within 60s")
	e.Reason = "dhclient exited 2"
	e.Hint = "verify a DHCP server answers on this VLAN"

	msg := e.Error()
	assert.Contains(t, msg, "no DHCP lease on eth1.40")
	assert.Contains(t, msg, "Reason: dhclient exited 2")
	assert.Contains(t, msg, "Hint: verify a DHCP server")
}

func TestKindOf(t *testing.T) {
	base := stderrors.New("boom")
	wrapped := Wrap(KindRoutingSetup, "install default route", base)

	assert.Equal(t, KindRoutingSetup, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindRoutingSetup))
	assert.False(t, IsKind(wrapped, KindLeaseTimeout))
	require.ErrorIs(t, wrapped, base)

	// Plain errors carry no kind.
	assert.Equal(t, Kind(""), KindOf(base))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRejection(t *testing.T) {
	assert.True(t, Rejection(New(KindInvalidStateTransition, "cannot start a hop while attacking")))
	assert.True(t, Rejection(New(KindConfigRejected, "config updates are rejected while attacking")))
	assert.False(t, Rejection(New(KindLeaseTimeout, "no lease")))
	assert.False(t, Rejection(stderrors.New("boom")))
}

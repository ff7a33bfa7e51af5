package dhcp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func msgOf(t DhcpMsgType) *Parsed {
	m := &Parsed{MsgType: t}
	if t == DHCPAck {
		m.Yiaddr = netip.MustParseAddr("10.0.0.5")
	}
	return m
}

func TestChooseInitialState(t *testing.T) {
	tests := []struct {
		msg      *Parsed
		expected State
	}{
		{msgOf(DHCPDiscover), StateSelecting},
		{msgOf(DHCPOffer), StateSelecting},
		{msgOf(DHCPRequest), StateRequesting},
		{msgOf(DHCPAck), StateBound},
		{&Parsed{MsgType: DHCPAck, Yiaddr: netip.IPv4Unspecified()}, StateInit},
		{&Parsed{MsgType: DHCPAck}, StateInit},
		{msgOf(DHCPForceRenew), StateRenewing},
		{msgOf(DHCPDecline), StateInit},
		{msgOf(DHCPNak), StateInit},
		{msgOf(DHCPRelease), StateInit},
		{msgOf(DHCPInform), StateInit},
		{msgOf(DHCPLeaseQuery), StateInit},
		{msgOf(DHCPLeaseActive), StateInit},
	}

	for _, tt := range tests {
		t.Run(tt.msg.MsgType.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, ChooseInitialState(tt.msg))
		})
	}
}

func TestNextState(t *testing.T) {
	tests := []struct {
		from     State
		msg      DhcpMsgType
		expected State
	}{
		{StateInit, DHCPDiscover, StateSelecting},
		{StateInit, DHCPRequest, StateRequesting},
		{StateInit, DHCPAck, StateBound},
		{StateSelecting, DHCPOffer, StateSelecting},
		{StateSelecting, DHCPRequest, StateRequesting},
		{StateSelecting, DHCPDiscover, StateSelecting},
		{StateSelecting, DHCPNak, StateInit},
		{StateRequesting, DHCPOffer, StateRequesting},
		{StateRequesting, DHCPAck, StateBound},
		{StateRequesting, DHCPNak, StateInit},
		{StateRequesting, DHCPRequest, StateRequesting},
		{StateBound, DHCPDecline, StateInit},
		{StateBound, DHCPOffer, StateBound},
		{StateBound, DHCPAck, StateBound},
		{StateBound, DHCPNak, StateBound},
		{StateBound, DHCPRequest, StateRenewing},
		{StateBound, DHCPRelease, StateInit},
		{StateBound, DHCPForceRenew, StateRenewing},
		{StateRenewing, DHCPAck, StateBound},
		{StateRenewing, DHCPRequest, StateRebinding},
		{StateRenewing, DHCPNak, StateInit},
		{StateRenewing, DHCPDiscover, StateSelecting},
		{StateRebinding, DHCPAck, StateBound},
		{StateRebinding, DHCPNak, StateInit},
		{StateRebinding, DHCPRequest, StateRequesting},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.msg.String(), func(t *testing.T) {
			next, err := NextState(tt.from, msgOf(tt.msg))
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, next)
		})
	}
}

func TestNextState_Errors(t *testing.T) {
	next, err := NextState(StateBound, &Parsed{})
	assert.ErrorIs(t, err, ErrNoMessageType)
	assert.Equal(t, StateBound, next)

	next, err = NextState(StateRebooting, msgOf(DHCPAck))
	assert.Error(t, err)
	assert.Equal(t, StateRebooting, next)
}

func TestNextState_FirstMessageMatchesInitialState(t *testing.T) {
	for mt := DHCPDiscover; mt <= DHCPLeaseQueryDone; mt++ {
		m := msgOf(mt)
		next, err := NextState(StateInit, m)
		assert.NoError(t, err)
		if mt == DHCPDiscover {
			assert.Equal(t, StateSelecting, next)
			continue
		}
		assert.Equal(t, ChooseInitialState(m), next, mt.String())
	}
}

func TestState_JSON(t *testing.T) {
	data, err := StateInitReboot.MarshalJSON()
	assert.NoError(t, err)
	assert.Equal(t, `"INIT-REBOOT"`, string(data))

	var s State
	assert.NoError(t, s.UnmarshalJSON([]byte(`"RENEWING"`)))
	assert.Equal(t, StateRenewing, s)
	assert.Error(t, s.UnmarshalJSON([]byte(`"LOST"`)))
	assert.Equal(t, "UNKNOWN", State(42).String())
}

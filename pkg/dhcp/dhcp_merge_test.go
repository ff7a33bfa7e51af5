package dhcp

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

type alertLog []Alert

func (l *alertLog) Alert(a Alert) { *l = append(*l, a) }

func optionSet(codes ...uint) *bitset.BitSet {
	b := bitset.New(256)
	for _, c := range codes {
		b.Set(c)
	}
	return b
}

func offerFrom(server string, lease time.Duration) *Parsed {
	m := &Parsed{
		Op:      OpReply,
		MsgType: DHCPOffer,
		Yiaddr:  netip.MustParseAddr("10.0.0.5"),
		SrcHW:   net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		Options: optionSet(1, 3, 51, 53, 54),
	}
	m.Reply.ServerID = netip.MustParseAddr(server)
	m.Reply.LeaseTime = lease
	m.Reply.Netmask = netip.MustParseAddr("255.255.255.0")
	m.Reply.Routers = []netip.Addr{netip.MustParseAddr("10.0.0.1")}
	m.Reply.DomainName = "example.org"
	return m
}

func TestMergeSorted(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []byte
		expected []byte
	}{
		{"both empty", nil, nil, []byte{}},
		{"left only", []byte{1, 3}, nil, []byte{1, 3}},
		{"right only", nil, []byte{2}, []byte{2}},
		{"interleaved", []byte{1, 3, 6}, []byte{2, 3, 15}, []byte{1, 2, 3, 6, 15}},
		{"identical", []byte{1, 3}, []byte{1, 3}, []byte{1, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, mergeSorted(tt.a, tt.b))
		})
	}
}

func TestSortedSet(t *testing.T) {
	assert.Nil(t, sortedSet(nil))
	in := []byte{6, 1, 3, 1, 6}
	assert.Equal(t, []byte{1, 3, 6}, sortedSet(in))
	assert.Equal(t, []byte{6, 1, 3, 1, 6}, in, "input must not be modified")
}

func TestMergeReply_Idempotent(t *testing.T) {
	var alerts alertLog
	tx := newTransaction(net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1, nil)

	tx.merge(offerFrom("10.0.0.1", time.Hour), &alerts)
	first := tx.infoLocked().Replies
	opts := tx.reply.Options.Clone()

	tx.merge(offerFrom("10.0.0.1", time.Hour), &alerts)
	assert.Equal(t, first, tx.infoLocked().Replies)
	assert.True(t, opts.Equal(tx.reply.Options))
	assert.Equal(t, 1, tx.replies)
	assert.Empty(t, alerts)
}

func TestMergeReply_ServersChain(t *testing.T) {
	tx := newTransaction(net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1, nil)
	tx.merge(offerFrom("10.0.0.1", time.Hour), nil)
	tx.merge(offerFrom("10.0.0.2", 2*time.Hour), nil)

	require.Equal(t, 2, tx.replies)
	second := tx.findReply(netip.MustParseAddr("10.0.0.2"))
	require.NotNil(t, second)
	assert.Equal(t, 2*time.Hour, second.LeaseTime)
	assert.Same(t, second, tx.reply.next)
	assert.Equal(t, net.HardwareAddr{0x02, 0, 0, 0, 0, 1}, second.ServerHW)
}

func TestMergeReply_ServerKeyFallback(t *testing.T) {
	tx := newTransaction(net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1, nil)
	m := offerFrom("0.0.0.0", time.Hour)
	m.Reply.ServerID = netip.Addr{}
	m.Siaddr = netip.MustParseAddr("10.0.0.9")

	tx.merge(m, nil)
	assert.NotNil(t, tx.findReply(netip.MustParseAddr("10.0.0.9")))
}

func TestMergeReply_Updates(t *testing.T) {
	var alerts alertLog
	tx := newTransaction(net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1, nil)
	tx.merge(offerFrom("10.0.0.1", time.Hour), &alerts)

	ack := offerFrom("10.0.0.1", 2*time.Hour)
	ack.MsgType = DHCPAck
	ack.Reply.Netmask = netip.Addr{}
	ack.Reply.DomainName = ""
	ack.Reply.Hostname = "laptop"
	ack.Options = optionSet(12, 51, 53, 54)
	tx.merge(ack, &alerts)

	r := &tx.reply
	assert.Equal(t, 2*time.Hour, r.LeaseTime)
	assert.Equal(t, "255.255.255.0", r.Netmask.String(), "default values do not overwrite")
	assert.Equal(t, "example.org", r.DomainName)
	assert.Equal(t, "laptop", r.Hostname)
	assert.True(t, r.Options.Test(1))
	assert.True(t, r.Options.Test(12))
	assert.True(t, r.MsgTypes.Has(DHCPOffer))
	assert.True(t, r.MsgTypes.Has(DHCPAck))

	require.Len(t, alerts, 1)
	assert.Equal(t, AlertValueChanged, alerts[0].Kind)
	assert.Equal(t, "lease_time", alerts[0].Field)
	assert.Equal(t, "3600", alerts[0].Old)
	assert.Equal(t, "7200", alerts[0].New)
}

func TestMergeRequest(t *testing.T) {
	var alerts alertLog
	tx := newTransaction(net.HardwareAddr{1, 2, 3, 4, 5, 6}, 1, nil)

	discover := &Parsed{Op: OpRequest, MsgType: DHCPDiscover, Options: optionSet(53, 55, 61)}
	discover.Request.ClientID = []byte{1, 1, 2, 3, 4, 5, 6}
	discover.Request.ParamList = []byte{1, 3}
	tx.merge(discover, &alerts)
	assert.Equal(t, []byte{1, 1, 2, 3, 4, 5, 6}, tx.request.ClientID())
	assert.Empty(t, tx.request.ParamList, "discover only merges options and client id")

	tx.state = StateRequesting
	request := &Parsed{Op: OpRequest, MsgType: DHCPRequest, Options: optionSet(12, 50, 53, 54, 55)}
	request.Request.ServerID = netip.MustParseAddr("10.0.0.1")
	request.Request.RequestedAddr = netip.MustParseAddr("10.0.0.5")
	request.Request.Hostname = "laptop"
	request.Request.ParamList = []byte{1, 6, 15}
	tx.merge(request, &alerts)

	r := &tx.request
	assert.Equal(t, "10.0.0.1", r.ServerID.String())
	assert.Equal(t, "10.0.0.5", r.RequestedAddr.String())
	assert.Equal(t, "laptop", r.Hostname)
	assert.Equal(t, []byte{1, 6, 15}, r.ParamList)
	assert.True(t, r.Options.Test(61))
	assert.True(t, r.Options.Test(50))
	assert.Empty(t, alerts)

	again := &Parsed{Op: OpRequest, MsgType: DHCPRequest, Options: optionSet(53, 61)}
	again.Request.ClientID = []byte{0xff, 0xee}
	again.Request.ParamList = []byte{3, 6}
	tx.merge(again, &alerts)
	assert.Equal(t, []byte{1, 3, 6, 15}, r.ParamList)
	assert.Equal(t, "10.0.0.1", r.ServerID.String(), "absent options keep their value")
	assert.Equal(t, []byte{1, 1, 2, 3, 4, 5, 6}, r.ClientID())

	require.Len(t, alerts, 2)
	assert.Equal(t, AlertClientIDMismatch, alerts[0].Kind)
	assert.Equal(t, AlertRequestWithoutServerID, alerts[1].Kind)
}

func TestRequest_LongClientID(t *testing.T) {
	var r Request
	id := []byte("a-client-identifier-longer-than-the-inline-buffer")
	r.setClientID(id)
	assert.Equal(t, id, r.ClientID())
	id[0] = 'X'
	assert.Equal(t, byte('a'), r.ClientID()[0])
}

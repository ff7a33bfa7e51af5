package addrindex

import (
	"bytes"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-light-win/radhcp/pkg/interval"
)

type lease struct {
	hw   net.HardwareAddr
	xid  uint32
	refs atomic.Int32
}

func (l *lease) Retain()                        { l.refs.Add(1) }
func (l *lease) Release()                       { l.refs.Add(-1) }
func (l *lease) HardwareAddr() net.HardwareAddr { return l.hw }

func byKey(a, b *lease) int {
	if c := bytes.Compare(a.hw, b.hw); c != 0 {
		return c
	}
	return int(int64(a.xid) - int64(b.xid))
}

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	hw, err := net.ParseMAC(s)
	require.NoError(t, err)
	return hw
}

func newLease(t *testing.T, mac string, xid uint32) *lease {
	l := &lease{hw: mustMAC(t, mac), xid: xid}
	l.refs.Store(1)
	return l
}

func TestIndex_BindThenRemoveReleasesEverything(t *testing.T) {
	x := New(byKey)
	addr := netip.MustParseAddr("10.0.0.5")
	l := newLease(t, "aa:bb:cc:dd:ee:ff", 0x1111)
	low := time.Unix(1000, 0)

	assert.Equal(t, interval.Inserted, x.Insert(addr, low, time.Hour, l))
	assert.Equal(t, Stats{Addresses: 1, Bindings: 1, Intervals: 1}, x.Stats())
	assert.Equal(t, []net.HardwareAddr{l.hw}, x.Holders(addr))

	require.NoError(t, x.Remove(addr, l.hw, low, l))
	assert.Equal(t, Stats{}, x.Stats())
	assert.Equal(t, int32(0), l.refs.Load())
	assert.Nil(t, x.Holders(addr))

	_, ok := x.table.Get(hostPrefix(addr))
	assert.False(t, ok)
}

func TestIndex_RemoveErrors(t *testing.T) {
	x := New(byKey)
	addr := netip.MustParseAddr("10.0.0.5")
	l := newLease(t, "aa:bb:cc:dd:ee:ff", 1)
	x.Insert(addr, time.Unix(1000, 0), time.Hour, l)

	assert.ErrorIs(t, x.Remove(netip.MustParseAddr("10.0.0.6"), l.hw, time.Unix(1000, 0), l), ErrNotFound)
	assert.ErrorIs(t, x.Remove(addr, mustMAC(t, "00:00:00:00:00:01"), time.Unix(1000, 0), l), ErrNotFound)
	assert.ErrorIs(t, x.Remove(addr, l.hw, time.Unix(2000, 0), l), interval.ErrNotFound)
	assert.Equal(t, int32(1), l.refs.Load())
}

func TestIndex_MultipleHoldersKeepList(t *testing.T) {
	x := New(byKey)
	addr := netip.MustParseAddr("192.168.1.20")
	a := newLease(t, "00:11:22:33:44:55", 1)
	b := newLease(t, "00:11:22:33:44:66", 2)
	x.Insert(addr, time.Unix(100, 0), time.Hour, a)
	x.Insert(addr, time.Unix(5000, 0), time.Hour, b)
	assert.Equal(t, Stats{Addresses: 1, Bindings: 2, Intervals: 2}, x.Stats())

	require.NoError(t, x.Remove(addr, a.hw, time.Unix(100, 0), a))
	assert.Equal(t, Stats{Addresses: 1, Bindings: 1, Intervals: 1}, x.Stats())
	assert.Equal(t, []net.HardwareAddr{b.hw}, x.Holders(addr))
}

func TestIndex_Search(t *testing.T) {
	x := New(byKey)
	leases := []struct {
		addr string
		mac  string
		low  int64
	}{
		{"10.0.0.5", "aa:00:00:00:00:01", 1000},
		{"10.0.0.5", "aa:00:00:00:00:02", 9000},
		{"10.0.0.6", "aa:00:00:00:00:03", 1200},
		{"10.0.1.1", "aa:00:00:00:00:04", 1000},
		{"10.1.0.1", "aa:00:00:00:00:05", 1000},
	}
	for i, l := range leases {
		x.Insert(netip.MustParseAddr(l.addr), time.Unix(l.low, 0), time.Hour, newLease(t, l.mac, uint32(i)))
	}

	buf := make([]Entry[*lease], 16)
	tests := []struct {
		name   string
		prefix string
		start  int64
		end    int64
		want   int
	}{
		{"exact address", "10.0.0.5/32", 0, 100000, 2},
		{"exact address window", "10.0.0.5/32", 1500, 1600, 1},
		{"slash 24", "10.0.0.0/24", 1500, 1600, 2},
		{"slash 16", "10.0.0.0/16", 1500, 1600, 3},
		{"slash 8", "10.0.0.0/8", 0, 100000, 5},
		{"unmasked prefix", "10.0.0.77/24", 1500, 1600, 2},
		{"nothing there", "172.16.0.0/12", 0, 100000, 0},
		{"window after all", "10.0.0.0/8", 20000, 30000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := x.Search(netip.MustParsePrefix(tt.prefix), time.Unix(tt.start, 0), time.Unix(tt.end, 0), nil, buf)
			assert.Equal(t, tt.want, n)
			for _, e := range buf[:n] {
				assert.True(t, netip.MustParsePrefix(tt.prefix).Masked().Contains(e.Addr))
				assert.Equal(t, e.Value.hw, e.HW)
			}
		})
	}

	small := make([]Entry[*lease], 2)
	assert.Equal(t, 2, x.Search(netip.MustParsePrefix("10.0.0.0/8"), time.Unix(0, 0), time.Unix(100000, 0), nil, small))

	one := make([]Entry[*lease], 1)
	hw := mustMAC(t, "aa:00:00:00:00:04")
	require.Equal(t, 1, x.Search(netip.MustParsePrefix("10.0.0.0/8"), time.Unix(0, 0), time.Unix(100000, 0), hw, one))
	assert.Equal(t, hw, one[0].HW)
	assert.Equal(t, netip.MustParseAddr("10.0.1.1"), one[0].Addr)
}

func TestIndex_Prune(t *testing.T) {
	x := New(byKey)
	old := newLease(t, "aa:00:00:00:00:01", 1)
	fresh := newLease(t, "aa:00:00:00:00:02", 2)
	x.Insert(netip.MustParseAddr("10.0.0.1"), time.Unix(0, 0), time.Minute, old)
	x.Insert(netip.MustParseAddr("10.0.0.2"), time.Unix(5000, 0), time.Hour, fresh)

	assert.Equal(t, 1, x.Prune(time.Unix(1000, 0)))
	assert.Equal(t, int32(0), old.refs.Load())
	assert.Equal(t, Stats{Addresses: 1, Bindings: 1, Intervals: 1}, x.Stats())
}

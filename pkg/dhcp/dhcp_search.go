package dhcp

import (
	"bytes"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/a-light-win/radhcp/pkg/addrindex"
	"github.com/a-light-win/radhcp/pkg/interval"
)

// Query selects leases overlapping [Start, End).
type Query struct {
	Start time.Time
	End   time.Time
	// Prefix limits results to addresses inside it. The zero prefix
	// matches everything.
	Prefix netip.Prefix
	HW     net.HardwareAddr
	Pullup bool
}

// ParseQuery builds a query from its text form. addr is an address or a
// CIDR prefix, hw a hardware address; empty strings leave the filter off.
func ParseQuery(start, end, addr, hw string, now time.Time, loc *time.Location) (Query, error) {
	var q Query
	var err error
	if q.Start, q.End, err = ParseRange(start, end, now, loc); err != nil {
		return q, err
	}
	if addr != "" {
		if q.Prefix, err = ParsePrefix(addr); err != nil {
			return q, err
		}
	}
	if hw != "" {
		if q.HW, err = net.ParseMAC(hw); err != nil {
			return q, errors.Wrap(err, "hw")
		}
	}
	return q, nil
}

// ParsePrefix accepts a plain address or a CIDR prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return p, errors.Wrap(err, "addr")
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, errors.Wrap(err, "addr")
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// Lease is one search result.
type Lease struct {
	Addr     netip.Addr       `json:"ip_addr"`
	MacAddr  string           `json:"mac_addr"`
	HW       net.HardwareAddr `json:"-"`
	Start    time.Time        `json:"start"`
	End      time.Time        `json:"end"`
	Xid      uint32           `json:"xid"`
	Hostname string           `json:"hostname,omitempty"`
	Server   string           `json:"server,omitempty"`
	State    State            `json:"state"`
	Expired  bool             `json:"lease_expired"`
}

// Search returns at most MaxResults leases matching q.
func (e *Engine) Search(q Query) []Lease {
	limit := e.cfg.Engine.MaxResults
	var out []Lease

	if q.Prefix.IsValid() {
		buf := make([]addrindex.Entry[*Transaction], limit)
		n := e.addrs.Search(q.Prefix, q.Start, q.End, q.HW, buf)
		out = make([]Lease, 0, n)
		for _, ent := range buf[:n] {
			out = append(out, leaseOf(ent.Interval, ent.Addr))
		}
	} else {
		var filter func(*Transaction) bool
		if len(q.HW) > 0 {
			filter = func(tx *Transaction) bool { return bytes.Equal(tx.hw, q.HW) }
		}
		buf := make([]interval.Interval[*Transaction], limit)
		n := e.leases.Overlaps(q.Start, q.End, buf, filter)
		out = make([]Lease, 0, n)
		for _, iv := range buf[:n] {
			out = append(out, leaseOf(iv, netip.Addr{}))
		}
	}

	if q.Pullup {
		return Pullup(out)
	}
	return out
}

// leaseOf describes one interval. An invalid addr means the address bound
// in the window the interval starts.
func leaseOf(iv interval.Interval[*Transaction], addr netip.Addr) Lease {
	tx := iv.Value
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if !addr.IsValid() {
		addr = tx.addrAt(iv.Low)
	}
	l := Lease{
		Addr:     addr,
		MacAddr:  tx.hw.String(),
		HW:       tx.hw,
		Start:    iv.Low,
		End:      iv.High,
		Xid:      tx.xid,
		Hostname: tx.hostnameLocked(),
		State:    tx.state,
		Expired:  tx.leaseExpired,
	}
	if tx.boundServer.IsValid() {
		l.Server = tx.boundServer.String()
	}
	return l
}

func compareLeases(a, b Lease) int {
	if c := a.Addr.Compare(b.Addr); c != 0 {
		return c
	}
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	return bytes.Compare(a.HW, b.HW)
}

// Pullup sorts leases by address and start time and joins contiguous or
// overlapping leases of the same (address, hardware address) pair. When a
// different client took the address before a lease ended, the earlier
// lease is cut at the start of the later one.
func Pullup(leases []Lease) []Lease {
	if len(leases) < 2 {
		return leases
	}
	slices.SortFunc(leases, compareLeases)

	out := leases[:1]
	for _, l := range leases[1:] {
		cur := &out[len(out)-1]
		if cur.Addr == l.Addr {
			if bytes.Equal(cur.HW, l.HW) {
				if !l.Start.After(cur.End) {
					if l.End.After(cur.End) {
						cur.End = l.End
					}
					continue
				}
			} else if l.Start.Before(cur.End) {
				cur.End = l.Start
			}
		}
		out = append(out, l)
	}
	return out
}

package dhcp

import (
	"bytes"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/willf/bitset"
)

// sortedSet returns a sorted copy of b without duplicates.
func sortedSet(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := slices.Clone(b)
	slices.Sort(out)
	return slices.Compact(out)
}

// mergeSorted returns the union of two sorted, duplicate free slices.
func mergeSorted(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func unionOptions(dst **bitset.BitSet, src *bitset.BitSet) {
	if src == nil {
		return
	}
	if *dst == nil {
		*dst = src.Clone()
		return
	}
	(*dst).InPlaceUnion(src)
}

func isSet(a netip.Addr) bool {
	return a.IsValid() && !a.IsUnspecified()
}

// merge folds m into tx. tx.mu is held and tx.state is already the state
// the message moved the client to.
func (tx *Transaction) merge(m *Parsed, alerts AlertSink) {
	switch m.MsgType {
	case DHCPDiscover, DHCPRequest:
		tx.mergeRequest(m, alerts)
	case DHCPOffer, DHCPAck:
		tx.mergeReply(m, alerts)
	}
}

func (tx *Transaction) alert(sink AlertSink, kind AlertKind, field, from, to string) {
	if sink == nil {
		return
	}
	sink.Alert(Alert{Kind: kind, HW: tx.hw, Xid: tx.xid, Field: field, Old: from, New: to})
}

func (tx *Transaction) mergeRequest(m *Parsed, alerts AlertSink) {
	r := &tx.request
	unionOptions(&r.Options, m.Options)

	if id := m.Request.ClientID; len(id) > 0 {
		switch {
		case len(r.clientID) == 0:
			r.setClientID(id)
		case !bytes.Equal(r.clientID, id):
			tx.alert(alerts, AlertClientIDMismatch, "client_id",
				fmt.Sprintf("%x", r.clientID), fmt.Sprintf("%x", id))
		}
	}

	if m.MsgType != DHCPRequest {
		return
	}

	if isSet(m.Request.ServerID) {
		r.ServerID = m.Request.ServerID
	} else if tx.state == StateRequesting {
		// Only a REQUEST answering an offer must name the server.
		tx.alert(alerts, AlertRequestWithoutServerID, "", "", "")
	}
	if isSet(m.Request.RequestedAddr) {
		r.RequestedAddr = m.Request.RequestedAddr
	}
	if m.Request.Hostname != "" && m.Request.Hostname != r.Hostname {
		r.Hostname = m.Request.Hostname
	}
	if len(m.Request.ParamList) > 0 {
		r.ParamList = mergeSorted(r.ParamList, m.Request.ParamList)
	}
}

func (tx *Transaction) mergeReply(m *Parsed, alerts AlertSink) {
	server := m.ServerKey()
	r := tx.findReply(server)
	if r == nil {
		r = tx.addReply()
		*r = Reply{
			ServerID:    server,
			Yiaddr:      m.Yiaddr,
			Ciaddr:      m.Ciaddr,
			Siaddr:      m.Siaddr,
			Netmask:     m.Reply.Netmask,
			Broadcast:   m.Reply.Broadcast,
			LeaseTime:   m.Reply.LeaseTime,
			Routers:     slices.Clone(m.Reply.Routers),
			NameServers: slices.Clone(m.Reply.NameServers),
			TimeServers: slices.Clone(m.Reply.TimeServers),
			Hostname:    strings.Clone(m.Reply.Hostname),
			DomainName:  strings.Clone(m.Reply.DomainName),
			ServerHW:    slices.Clone(m.SrcHW),
			next:        r.next,
		}
		if m.Options != nil {
			r.Options = m.Options.Clone()
		}
		r.MsgTypes.Set(m.MsgType)
		return
	}

	unionOptions(&r.Options, m.Options)
	r.MsgTypes.Set(m.MsgType)

	mergeAddr := func(field string, old *netip.Addr, v netip.Addr) {
		if !isSet(v) || *old == v {
			return
		}
		if isSet(*old) {
			tx.alert(alerts, AlertValueChanged, field, old.String(), v.String())
		}
		*old = v
	}
	mergeAddrs := func(field string, old *[]netip.Addr, v []netip.Addr) {
		if len(v) == 0 || slices.Equal(*old, v) {
			return
		}
		if len(*old) > 0 {
			tx.alert(alerts, AlertValueChanged, field, fmt.Sprint(*old), fmt.Sprint(v))
		}
		*old = slices.Clone(v)
	}
	mergeString := func(field string, old *string, v string) {
		if v == "" || *old == v {
			return
		}
		if *old != "" {
			tx.alert(alerts, AlertValueChanged, field, *old, v)
		}
		*old = strings.Clone(v)
	}

	mergeAddr("yiaddr", &r.Yiaddr, m.Yiaddr)
	mergeAddr("ciaddr", &r.Ciaddr, m.Ciaddr)
	mergeAddr("siaddr", &r.Siaddr, m.Siaddr)
	mergeAddr("netmask", &r.Netmask, m.Reply.Netmask)
	mergeAddr("broadcast", &r.Broadcast, m.Reply.Broadcast)
	if lt := m.Reply.LeaseTime; lt != 0 && lt != r.LeaseTime {
		if r.LeaseTime != 0 {
			tx.alert(alerts, AlertValueChanged, "lease_time",
				fmt.Sprint(int64(r.LeaseTime/time.Second)), fmt.Sprint(int64(lt/time.Second)))
		}
		r.LeaseTime = lt
	}
	mergeAddrs("routers", &r.Routers, m.Reply.Routers)
	mergeAddrs("name_servers", &r.NameServers, m.Reply.NameServers)
	mergeAddrs("time_servers", &r.TimeServers, m.Reply.TimeServers)
	mergeString("hostname", &r.Hostname, m.Reply.Hostname)
	mergeString("domain_name", &r.DomainName, m.Reply.DomainName)
	if len(m.SrcHW) > 0 && len(r.ServerHW) == 0 {
		r.ServerHW = slices.Clone(m.SrcHW)
	}
}

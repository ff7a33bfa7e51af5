package dhcp

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/willf/bitset"

	"github.com/a-light-win/radhcp/pkg/wheel"
)

const inlineClientIDLen = 8

// Request is the client side of a transaction, merged across every request
// message seen for it.
type Request struct {
	Options       *bitset.BitSet
	ServerID      netip.Addr
	RequestedAddr netip.Addr
	Hostname      string
	ParamList     []byte

	clientID    []byte
	clientIDBuf [inlineClientIDLen]byte
}

// ClientID returns the client identifier option.
func (r *Request) ClientID() []byte { return r.clientID }

func (r *Request) setClientID(id []byte) {
	if len(id) <= inlineClientIDLen {
		r.clientID = r.clientIDBuf[:len(id)]
	} else {
		r.clientID = make([]byte, len(id))
	}
	copy(r.clientID, id)
}

// Reply is what one server told the client.
type Reply struct {
	Options     *bitset.BitSet
	MsgTypes    MsgTypeMask
	ServerID    netip.Addr
	Yiaddr      netip.Addr
	Ciaddr      netip.Addr
	Siaddr      netip.Addr
	Netmask     netip.Addr
	Broadcast   netip.Addr
	LeaseTime   time.Duration
	Routers     []netip.Addr
	NameServers []netip.Addr
	TimeServers []netip.Addr
	Hostname    string
	DomainName  string
	ServerHW    net.HardwareAddr

	next *Reply
}

// Transaction tracks one (client hardware address, xid) exchange. The
// identity fields never change; everything else is guarded by mu.
//
// A transaction is reference counted. Every structure that stores a
// pointer to it holds one reference and drops it with Release.
type Transaction struct {
	hw  net.HardwareAddr
	xid uint32

	refs   atomic.Int32
	onFree func(*Transaction)

	mu           sync.Mutex
	state        State
	msgTypes     MsgTypeMask
	request      Request
	reply        Reply
	replies      int
	firstReq     time.Time
	firstBind    time.Time
	lastBind     time.Time
	lastModified time.Time
	requests     uint32
	responses    uint32
	unknownOps   uint32

	leaseTimer   *wheel.Timer
	holdTimer    *wheel.Timer
	leaseExpired bool

	// What the last bind handed out.
	boundAddr   netip.Addr
	boundLease  time.Duration
	boundServer netip.Addr

	// One entry per binding window, oldest first.
	windows []bindWindow
}

type bindWindow struct {
	start time.Time
	addr  netip.Addr
}

func newTransaction(hw net.HardwareAddr, xid uint32, onFree func(*Transaction)) *Transaction {
	tx := &Transaction{
		hw:     append(net.HardwareAddr(nil), hw...),
		xid:    xid,
		onFree: onFree,
	}
	tx.refs.Store(1)
	return tx
}

// HardwareAddr returns the client hardware address.
func (tx *Transaction) HardwareAddr() net.HardwareAddr { return tx.hw }

// Xid returns the transaction id.
func (tx *Transaction) Xid() uint32 { return tx.xid }

func (tx *Transaction) String() string {
	return fmt.Sprintf("%s/%#08x", tx.hw, tx.xid)
}

// Retain takes a reference.
func (tx *Transaction) Retain() {
	if tx.refs.Add(1) <= 1 {
		panic("dhcp: retain of a released transaction " + tx.String())
	}
}

// Release drops a reference. The last release frees the transaction.
func (tx *Transaction) Release() {
	n := tx.refs.Add(-1)
	switch {
	case n < 0:
		panic("dhcp: transaction released too many times " + tx.String())
	case n == 0 && tx.onFree != nil:
		tx.onFree(tx)
	}
}

// Refs returns the current reference count.
func (tx *Transaction) Refs() int32 { return tx.refs.Load() }

// State returns the protocol state. It takes the transaction lock and must
// not be used from a listener.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// findReply returns the reply recorded for server, if any.
func (tx *Transaction) findReply(server netip.Addr) *Reply {
	if tx.replies == 0 {
		return nil
	}
	for r := &tx.reply; r != nil; r = r.next {
		if r.ServerID == server {
			return r
		}
	}
	return nil
}

// addReply returns a fresh reply slot, using the inline one first.
func (tx *Transaction) addReply() *Reply {
	tx.replies++
	if tx.replies == 1 {
		return &tx.reply
	}
	r := &Reply{}
	last := &tx.reply
	for last.next != nil {
		last = last.next
	}
	last.next = r
	return r
}

// TransactionInfo is a point in time copy of a transaction.
type TransactionInfo struct {
	MacAddr      string        `json:"mac_addr"`
	Xid          uint32        `json:"xid"`
	State        State         `json:"state"`
	MsgTypes     []DhcpMsgType `json:"msg_types"`
	Hostname     string        `json:"hostname,omitempty"`
	ClientID     string        `json:"client_id,omitempty"`
	IpAddr       string        `json:"ip_addr,omitempty"`
	Server       string        `json:"server,omitempty"`
	LeaseTime    uint32        `json:"lease_time,omitempty"`
	LeaseExpired bool          `json:"lease_expired"`
	FirstRequest time.Time     `json:"first_request"`
	FirstBind    time.Time     `json:"first_bind"`
	LastBind     time.Time     `json:"last_bind"`
	LastModified time.Time     `json:"last_modified"`
	Requests     uint32        `json:"requests"`
	Responses    uint32        `json:"responses"`
	UnknownOps   uint32        `json:"unknown_ops"`
	Replies      []ReplyInfo   `json:"replies,omitempty"`
}

// ReplyInfo summarises one server's reply.
type ReplyInfo struct {
	Server    string `json:"server"`
	IpAddr    string `json:"ip_addr,omitempty"`
	LeaseTime uint32 `json:"lease_time,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	Domain    string `json:"domain,omitempty"`
}

// Info returns a snapshot of the transaction.
func (tx *Transaction) Info() TransactionInfo {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.infoLocked()
}

func (tx *Transaction) infoLocked() TransactionInfo {
	info := TransactionInfo{
		MacAddr:      tx.hw.String(),
		Xid:          tx.xid,
		State:        tx.state,
		MsgTypes:     tx.msgTypes.Types(),
		Hostname:     tx.hostnameLocked(),
		LeaseExpired: tx.leaseExpired,
		FirstRequest: tx.firstReq,
		FirstBind:    tx.firstBind,
		LastBind:     tx.lastBind,
		LastModified: tx.lastModified,
		Requests:     tx.requests,
		Responses:    tx.responses,
		UnknownOps:   tx.unknownOps,
	}
	if id := tx.request.ClientID(); len(id) > 0 {
		info.ClientID = fmt.Sprintf("%x", id)
	}
	if tx.boundAddr.IsValid() {
		info.IpAddr = tx.boundAddr.String()
		info.Server = tx.boundServer.String()
		info.LeaseTime = uint32(tx.boundLease / time.Second)
	}
	if tx.replies > 0 {
		for r := &tx.reply; r != nil; r = r.next {
			ri := ReplyInfo{
				Server:    r.ServerID.String(),
				LeaseTime: uint32(r.LeaseTime / time.Second),
				Hostname:  r.Hostname,
				Domain:    r.DomainName,
			}
			if r.Yiaddr.IsValid() {
				ri.IpAddr = r.Yiaddr.String()
			}
			info.Replies = append(info.Replies, ri)
		}
	}
	return info
}

// hostnameLocked prefers what the client asked for over what a server
// assigned.
func (tx *Transaction) hostnameLocked() string {
	if tx.request.Hostname != "" {
		return tx.request.Hostname
	}
	if tx.replies > 0 {
		for r := &tx.reply; r != nil; r = r.next {
			if r.Hostname != "" {
				return r.Hostname
			}
		}
	}
	return ""
}

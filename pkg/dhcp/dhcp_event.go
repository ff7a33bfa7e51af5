package dhcp

import "time"

type DhcpEvent struct {
	Xid uint32 `json:"-"`

	Timestamp    time.Time   `json:"timestamp"`
	IpAddr       string      `json:"ip_addr"`
	MacAddr      string      `json:"mac_addr"`
	Hostname     string      `json:"hostname"`
	ElapsedSecs  uint16      `json:"elapsed_secs"`
	LeaseTime    uint32      `json:"lease_time"`
	MsgType      DhcpMsgType `json:"msg_type,omitempty"`
	State        State       `json:"state"`
	Server       string      `json:"server,omitempty"`
	LeaseExpired bool        `json:"lease_expired"`
}

// eventOf builds the event for a change. The transaction lock is held.
func eventOf(c *Change) DhcpEvent {
	tx := c.Txn
	ev := DhcpEvent{
		Xid:          tx.xid,
		Timestamp:    c.Now,
		MacAddr:      tx.hw.String(),
		Hostname:     tx.hostnameLocked(),
		LeaseTime:    uint32(tx.boundLease / time.Second),
		State:        c.To,
		LeaseExpired: tx.leaseExpired,
	}
	if tx.boundAddr.IsValid() {
		ev.IpAddr = tx.boundAddr.String()
	}
	if tx.boundServer.IsValid() {
		ev.Server = tx.boundServer.String()
	}
	if c.Msg != nil {
		ev.MsgType = c.Msg.MsgType
		ev.ElapsedSecs = c.Msg.Secs
		if c.Msg.Request.Hostname != "" {
			ev.Hostname = c.Msg.Request.Hostname
		}
	}
	return ev
}

package dhcp

import (
	"encoding/json"
)

type DhcpMsgType int

const (
	DHCPDiscover        DhcpMsgType = 1
	DHCPOffer           DhcpMsgType = 2
	DHCPRequest         DhcpMsgType = 3
	DHCPDecline         DhcpMsgType = 4
	DHCPAck             DhcpMsgType = 5
	DHCPNak             DhcpMsgType = 6
	DHCPRelease         DhcpMsgType = 7
	DHCPInform          DhcpMsgType = 8
	DHCPForceRenew      DhcpMsgType = 9
	DHCPLeaseQuery      DhcpMsgType = 10
	DHCPLeaseUnassigned DhcpMsgType = 11
	DHCPLeaseUnknown    DhcpMsgType = 12
	DHCPLeaseActive     DhcpMsgType = 13
	DHCPBulkLeaseQuery  DhcpMsgType = 14
	DHCPLeaseQueryDone  DhcpMsgType = 15
)

var msgTypeNames = map[DhcpMsgType]string{
	DHCPDiscover:        "DHCP Discover",
	DHCPOffer:           "DHCP Offer",
	DHCPRequest:         "DHCP Request",
	DHCPDecline:         "DHCP Decline",
	DHCPAck:             "DHCP Ack",
	DHCPNak:             "DHCP Nak",
	DHCPRelease:         "DHCP Release",
	DHCPInform:          "DHCP Inform",
	DHCPForceRenew:      "DHCP ForceRenew",
	DHCPLeaseQuery:      "DHCP LeaseQuery",
	DHCPLeaseUnassigned: "DHCP LeaseUnassigned",
	DHCPLeaseUnknown:    "DHCP LeaseUnknown",
	DHCPLeaseActive:     "DHCP LeaseActive",
	DHCPBulkLeaseQuery:  "DHCP BulkLeaseQuery",
	DHCPLeaseQueryDone:  "DHCP LeaseQueryDone",
}

func (d DhcpMsgType) String() string {
	if s, ok := msgTypeNames[d]; ok {
		return s
	}
	return "Unknown"
}

// Valid reports whether d is a message type this package understands.
func (d DhcpMsgType) Valid() bool {
	_, ok := msgTypeNames[d]
	return ok
}

// FromServer reports whether messages of this type are sent by a server.
func (d DhcpMsgType) FromServer() bool {
	switch d {
	case DHCPOffer, DHCPAck, DHCPNak, DHCPForceRenew,
		DHCPLeaseUnassigned, DHCPLeaseUnknown, DHCPLeaseActive, DHCPLeaseQueryDone:
		return true
	}
	return false
}

func (d DhcpMsgType) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *DhcpMsgType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*d = 0
	for t, name := range msgTypeNames {
		if name == s {
			*d = t
			break
		}
	}
	return nil
}

// MsgTypeMask records which message types were seen, one bit per type.
type MsgTypeMask uint32

func (m MsgTypeMask) Has(t DhcpMsgType) bool {
	return t.Valid() && m&(1<<uint(t)) != 0
}

func (m *MsgTypeMask) Set(t DhcpMsgType) {
	if t.Valid() {
		*m |= 1 << uint(t)
	}
}

// Types lists the recorded types in numeric order.
func (m MsgTypeMask) Types() []DhcpMsgType {
	var out []DhcpMsgType
	for t := DHCPDiscover; t <= DHCPLeaseQueryDone; t++ {
		if m.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

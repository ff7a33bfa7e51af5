package dhcp

import (
	"encoding/binary"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/pkg/errors"
	"github.com/willf/bitset"
)

// Opcode is the BOOTP op field.
type Opcode uint8

const (
	OpRequest Opcode = 1
	OpReply   Opcode = 2
)

const (
	bootpHeaderLen = 236
	maxHWAddrLen   = 16
	// MaxAddrList bounds router, name server and time server lists. Only
	// the first entries of a longer option are kept.
	MaxAddrList = 4
)

var magicCookie = []byte{99, 130, 83, 99}

// RequestOpts carries the client side options of one message.
type RequestOpts struct {
	ServerID      netip.Addr
	RequestedAddr netip.Addr
	Hostname      string
	// ParamList is the parameter request list, sorted and deduplicated.
	ParamList []byte
	ClientID  []byte
}

// ReplyOpts carries the server side options of one message.
type ReplyOpts struct {
	ServerID    netip.Addr
	Netmask     netip.Addr
	Broadcast   netip.Addr
	LeaseTime   time.Duration
	Routers     []netip.Addr
	NameServers []netip.Addr
	TimeServers []netip.Addr
	Hostname    string
	DomainName  string
}

// Parsed is a decoded snapshot of one DHCP or BOOTP message.
type Parsed struct {
	Timestamp time.Time
	// SrcHW and SrcAddr are the link and network source of the frame, when
	// the capture layer knows them.
	SrcHW   net.HardwareAddr
	SrcAddr netip.Addr

	Op     Opcode
	HType  uint8
	Hops   uint8
	Xid    uint32
	Secs   uint16
	Flags  uint16
	Ciaddr netip.Addr
	Yiaddr netip.Addr
	Siaddr netip.Addr
	Giaddr netip.Addr
	Chaddr net.HardwareAddr

	MsgType DhcpMsgType
	// Options has a bit set for every option code present.
	Options *bitset.BitSet
	Request RequestOpts
	Reply   ReplyOpts
}

// Parse decodes a BOOTP payload. Messages whose fixed header does not fit
// the buffer or whose hardware address length exceeds the chaddr field fail
// with ErrMalformed; callers drop them. A damaged option area loses only
// the options from the first damaged one on.
func Parse(payload []byte, ts time.Time) (*Parsed, error) {
	if len(payload) < bootpHeaderLen {
		return nil, errors.Wrapf(ErrMalformed, "short header: %d bytes", len(payload))
	}
	if hlen := payload[2]; hlen > maxHWAddrLen {
		return nil, errors.Wrapf(ErrMalformed, "hardware address length %d", hlen)
	}

	buf := payload
	hasOptions := len(payload) >= bootpHeaderLen+len(magicCookie) &&
		binary.BigEndian.Uint32(payload[bootpHeaderLen:]) == binary.BigEndian.Uint32(magicCookie)
	if !hasOptions {
		// Plain BOOTP: decode the fixed header only.
		buf = make([]byte, 0, bootpHeaderLen+len(magicCookie)+1)
		buf = append(buf, payload[:bootpHeaderLen]...)
		buf = append(buf, magicCookie...)
		buf = append(buf, 255)
	}

	d, err := dhcpv4.FromBytes(buf)
	if err != nil && hasOptions {
		// Keep the header and whatever options precede the damage.
		d, err = dhcpv4.FromBytes(salvageOptions(payload))
	}
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	m := &Parsed{
		Timestamp: ts,
		Op:        Opcode(d.OpCode),
		HType:     uint8(d.HWType),
		Hops:      d.HopCount,
		Xid:       binary.BigEndian.Uint32(d.TransactionID[:]),
		Secs:      d.NumSeconds,
		Flags:     d.Flags,
		Ciaddr:    addrFrom(d.ClientIPAddr),
		Yiaddr:    addrFrom(d.YourIPAddr),
		Siaddr:    addrFrom(d.ServerIPAddr),
		Giaddr:    addrFrom(d.GatewayIPAddr),
		Chaddr:    append(net.HardwareAddr(nil), d.ClientHWAddr...),
		Options:   bitset.New(256),
	}
	if !hasOptions {
		return m, nil
	}

	for code := range d.Options {
		m.Options.Set(uint(code))
	}
	if v := d.Options.Get(dhcpv4.OptionDHCPMessageType); len(v) == 1 {
		m.MsgType = DhcpMsgType(v[0])
	}

	if m.Op == OpRequest {
		m.Request = RequestOpts{
			ServerID:      addrFrom(d.Options.Get(dhcpv4.OptionServerIdentifier)),
			RequestedAddr: addrFrom(d.Options.Get(dhcpv4.OptionRequestedIPAddress)),
			Hostname:      string(d.Options.Get(dhcpv4.OptionHostName)),
			ParamList:     sortedSet(d.Options.Get(dhcpv4.OptionParameterRequestList)),
			ClientID:      append([]byte(nil), d.Options.Get(dhcpv4.OptionClientIdentifier)...),
		}
		if len(m.Request.ClientID) == 0 {
			m.Request.ClientID = nil
		}
		return m, nil
	}
	if m.Op != OpReply {
		return m, nil
	}

	m.Reply = ReplyOpts{
		ServerID:    addrFrom(d.Options.Get(dhcpv4.OptionServerIdentifier)),
		Netmask:     addrFrom(d.Options.Get(dhcpv4.OptionSubnetMask)),
		Broadcast:   addrFrom(d.Options.Get(dhcpv4.OptionBroadcastAddress)),
		Routers:     addrList(d.Options.Get(dhcpv4.OptionRouter)),
		NameServers: addrList(d.Options.Get(dhcpv4.OptionDomainNameServer)),
		TimeServers: addrList(d.Options.Get(dhcpv4.OptionTimeServer)),
		Hostname:    string(d.Options.Get(dhcpv4.OptionHostName)),
		DomainName:  string(d.Options.Get(dhcpv4.OptionDomainName)),
	}
	if v := d.Options.Get(dhcpv4.OptionIPAddressLeaseTime); len(v) == 4 {
		m.Reply.LeaseTime = time.Duration(binary.BigEndian.Uint32(v)) * time.Second
	}
	return m, nil
}

// salvageOptions rebuilds a message from the header and the options that
// are complete up to the first truncated one, closed with an end option.
func salvageOptions(payload []byte) []byte {
	start := bootpHeaderLen + len(magicCookie)
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload[:start]...)

	opts := payload[start:]
	for i := 0; i < len(opts); {
		code := opts[i]
		if code == byte(dhcpv4.OptionEnd) {
			break
		}
		if code == byte(dhcpv4.OptionPad) {
			i++
			continue
		}
		if i+2 > len(opts) || i+2+int(opts[i+1]) > len(opts) {
			break
		}
		end := i + 2 + int(opts[i+1])
		buf = append(buf, opts[i:end]...)
		i = end
	}
	return append(buf, byte(dhcpv4.OptionEnd))
}

// ServerKey identifies the server that sent a reply: the server identifier
// option, else the BOOTP server address, else the packet source.
func (m *Parsed) ServerKey() netip.Addr {
	for _, a := range []netip.Addr{m.Reply.ServerID, m.Siaddr, m.SrcAddr} {
		if a.IsValid() && !a.IsUnspecified() {
			return a
		}
	}
	return netip.IPv4Unspecified()
}

func addrFrom(b []byte) netip.Addr {
	if len(b) != 4 {
		// net.IP values from the decoder may be 16 byte v4-in-v6 forms.
		if ip := net.IP(b).To4(); ip != nil {
			b = ip
		} else {
			return netip.Addr{}
		}
	}
	return netip.AddrFrom4([4]byte(b))
}

func addrList(b []byte) []netip.Addr {
	var out []netip.Addr
	for i := 0; i+4 <= len(b) && len(out) < MaxAddrList; i += 4 {
		out = append(out, netip.AddrFrom4([4]byte(b[i:i+4])))
	}
	return out
}

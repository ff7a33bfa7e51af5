// Package capture reads Ethernet frames from pcap files or live sockets
// and feeds the DHCP messages they carry to the engine.
package capture

import (
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/a-light-win/radhcp/pkg/dhcp"
)

const (
	serverPort = 67
	clientPort = 68
)

var ErrNotDHCP = errors.New("not a DHCP frame")

var decodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

func isDHCPPort(p layers.UDPPort) bool {
	return p == serverPort || p == clientPort
}

// Decode extracts the DHCP message carried by an Ethernet frame. Frames
// that are not UDP to or from the DHCP ports fail with ErrNotDHCP; a UDP
// payload that does not hold a BOOTP header fails with dhcp.ErrMalformed.
func Decode(frame []byte, ts time.Time) (*dhcp.Parsed, error) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, decodeOptions)

	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, ErrNotDHCP
	}
	udp := udpLayer.(*layers.UDP)
	if !isDHCPPort(udp.SrcPort) && !isDHCPPort(udp.DstPort) {
		return nil, ErrNotDHCP
	}

	m, err := dhcp.Parse(udp.Payload, ts)
	if err != nil {
		return nil, err
	}

	if eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		m.SrcHW = append(net.HardwareAddr(nil), eth.SrcMAC...)
	}
	if ip, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		if addr, ok := netip.AddrFromSlice(ip.SrcIP.To4()); ok {
			m.SrcAddr = addr
		}
	}
	return m, nil
}

//go:build linux

package capture

import (
	"net"
	"time"

	"github.com/cilium/ebpf"
	"github.com/google/gopacket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	pollTimeout = 500 * time.Millisecond
	frameSize   = 1 << 16
)

type liveSource struct {
	iface  string
	index  int
	fd     int
	filter *ebpf.Program
	buf    []byte
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// OpenLive captures DHCP frames on one interface through an AF_PACKET
// socket with a kernel side filter attached.
func OpenLive(iface string) (Source, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", iface)
	}

	filter, err := newSocketFilter()
	if err != nil {
		return nil, err
	}
	fd, err := openSocket(ifi.Index, filter)
	if err != nil {
		filter.Close()
		return nil, errors.Wrapf(err, "open %s", iface)
	}

	log.Info().Str("Interface", iface).Int("Index", ifi.Index).Msg("Attached socket filter")
	return &liveSource{
		iface:  iface,
		index:  ifi.Index,
		fd:     fd,
		filter: filter,
		buf:    make([]byte, frameSize),
	}, nil
}

// openSocket binds a raw packet socket to one interface. The socket is
// created with protocol 0 so that nothing is queued before the filter is
// attached.
func openSocket(ifindex int, filter *ebpf.Program) (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ATTACH_BPF, filter.FD()); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "attach filter")
	}
	tv := unix.NsecToTimeval(pollTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set receive timeout")
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IP),
		Ifindex:  ifindex,
	}); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "bind")
	}
	return fd, nil
}

func (s *liveSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	n, _, err := unix.Recvfrom(s.fd, s.buf, unix.MSG_TRUNC)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return nil, gopacket.CaptureInfo{}, ErrTimeout
	case err != nil:
		return nil, gopacket.CaptureInfo{}, errors.Wrap(err, s.iface)
	}

	ci := gopacket.CaptureInfo{
		Timestamp:      time.Now(),
		CaptureLength:  min(n, len(s.buf)),
		Length:         n,
		InterfaceIndex: s.index,
	}
	data := make([]byte, ci.CaptureLength)
	copy(data, s.buf)
	return data, ci, nil
}

func (s *liveSource) Close() error {
	err := unix.Close(s.fd)
	if ferr := s.filter.Close(); err == nil {
		err = ferr
	}
	return err
}

// OpenInterfaces opens a live source on each interface. Sources opened
// before a failure are closed.
func OpenInterfaces(names []string) ([]Source, error) {
	names, err := Interfaces(names)
	if err != nil {
		return nil, err
	}
	var sources []Source
	for _, name := range names {
		src, err := OpenLive(name)
		if err != nil {
			log.Warn().Err(err).Str("Interface", name).Msg("Failed to open interface")
			for _, s := range sources {
				s.Close()
			}
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

package capture

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrTimeout is returned by live sources when no frame arrived within the
// poll interval. Readers retry.
var ErrTimeout = errors.New("capture poll timeout")

// Source yields raw Ethernet frames. ReadPacketData returns io.EOF when
// the source is exhausted.
type Source interface {
	gopacket.PacketDataSource
	Close() error
}

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type fileSource struct {
	gopacket.PacketDataSource
	f *os.File
}

func (s *fileSource) Close() error {
	return s.f.Close()
}

type linkTyper interface {
	LinkType() layers.LinkType
}

// OpenFile opens a pcap or pcapng capture of Ethernet frames.
func OpenFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open capture")
	}

	src, err := newFileReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, errors.WithMessage(err, path)
	}
	if lt := src.(linkTyper).LinkType(); lt != layers.LinkTypeEthernet {
		f.Close()
		return nil, errors.Errorf("%s: unsupported link type %s", path, lt)
	}
	return &fileSource{PacketDataSource: src, f: f}, nil
}

func newFileReader(r *bufio.Reader) (gopacket.PacketDataSource, error) {
	magic, err := r.Peek(len(pcapngMagic))
	if err != nil {
		return nil, errors.Wrap(err, "read capture header")
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
		return ng, errors.Wrap(err, "pcapng")
	}
	rd, err := pcapgo.NewReader(r)
	return rd, errors.Wrap(err, "pcap")
}

// Interfaces returns names unchanged, or every non loopback interface when
// names is empty.
func Interfaces(names []string) ([]string, error) {
	if len(names) > 0 {
		return names, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "list interfaces")
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, iface.Name)
	}
	log.Debug().Strs("IfaceNames", names).Msg("Discovered interfaces")
	return names, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

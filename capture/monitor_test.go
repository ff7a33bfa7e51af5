package capture

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/a-light-win/radhcp/configs/radhcp"
	"github.com/a-light-win/radhcp/pkg/dhcp"
	"github.com/a-light-win/radhcp/pkg/metrics"
	"github.com/a-light-win/radhcp/pkg/wheel"
)

var t0 = time.Unix(1700000000, 0)

type countRecorder map[string]int

func (c countRecorder) Packet(result string) { c[result]++ }

type stamped struct {
	at   time.Time
	data []byte
}

func newTestMonitor(t *testing.T, modify ...func(*config.RadhcpConfig)) (*Monitor, *dhcp.Engine, countRecorder) {
	cfg := config.Default()
	for _, fn := range modify {
		fn(cfg)
	}
	w := wheel.New(cfg.Timer.Resolution, cfg.Timer.Slots, wheel.WithStart(time.Unix(0, 0)))
	e := dhcp.NewEngine(cfg, w, dhcp.NewRegistry())
	t.Cleanup(func() {
		e.Close()
		assert.Zero(t, e.Live(), "transactions leaked")
	})
	rec := countRecorder{}
	return NewMonitor(e, w, WithReplay(), WithRecorder(rec)), e, rec
}

func exchange(t *testing.T) []stamped {
	return []stamped{
		{t0, clientFrame(t, clientHW, 9, dhcpv4.MessageTypeDiscover)},
		{t0.Add(time.Second), serverFrame(t, clientHW, 9, dhcpv4.MessageTypeOffer, time.Hour)},
		{t0.Add(2 * time.Second), clientFrame(t, clientHW, 9, dhcpv4.MessageTypeRequest,
			dhcpv4.WithOption(dhcpv4.OptServerIdentifier(serverIP)),
			dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(leaseIP)),
		)},
		{t0.Add(3 * time.Second), serverFrame(t, clientHW, 9, dhcpv4.MessageTypeAck, time.Hour)},
		{t0.Add(4 * time.Second), udpFrame(t, clientHW, leaseIP, serverIP, 40000, 53, []byte("query"))},
	}
}

func captureInfo(p stamped) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{Timestamp: p.at, CaptureLength: len(p.data), Length: len(p.data)}
}

func writePcap(t *testing.T, packets []stamped) string {
	path := filepath.Join(t.TempDir(), "dhcp.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for _, p := range packets {
		require.NoError(t, w.WritePacket(captureInfo(p), p.data))
	}
	return path
}

func writePcapng(t *testing.T, packets []stamped) string {
	path := filepath.Join(t.TempDir(), "dhcp.pcapng")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for _, p := range packets {
		require.NoError(t, w.WritePacket(captureInfo(p), p.data))
	}
	require.NoError(t, w.Flush())
	return path
}

func TestMonitor_ReplayFile(t *testing.T) {
	tests := []struct {
		name  string
		write func(*testing.T, []stamped) string
	}{
		{"pcap", writePcap},
		{"pcapng", writePcapng},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon, e, rec := newTestMonitor(t)
			src, err := OpenFile(tt.write(t, exchange(t)))
			require.NoError(t, err)
			defer src.Close()

			require.NoError(t, mon.Run(context.Background(), src))
			assert.Equal(t, 4, rec[metrics.PacketProcessed])
			assert.Equal(t, 1, rec[metrics.PacketSkipped])

			txs := e.Transactions()
			require.Len(t, txs, 1)
			assert.Equal(t, dhcp.StateBound, txs[0].State)
			assert.Equal(t, "10.0.0.5", txs[0].IpAddr)
			assert.EqualValues(t, 2, txs[0].Requests)
			assert.EqualValues(t, 2, txs[0].Responses)

			leases := e.Search(dhcp.Query{Start: t0, End: t0.Add(2 * time.Hour)})
			require.Len(t, leases, 1)
			assert.Equal(t, netip.MustParseAddr("10.0.0.5"), leases[0].Addr)
			assert.Equal(t, t0.Add(3*time.Second).Unix(), leases[0].Start.Unix())
			assert.Equal(t, t0.Add(time.Hour+3*time.Second).Unix(), leases[0].End.Unix())
		})
	}
}

func TestMonitor_ReplayExpiresLeases(t *testing.T) {
	mon, e, _ := newTestMonitor(t)

	packets := exchange(t)
	later := t0.Add(2 * time.Hour)
	other := []byte{0x02, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}
	packets = append(packets, stamped{later, clientFrame(t, other, 1, dhcpv4.MessageTypeDiscover)})
	for _, p := range packets {
		mon.Handle(p.data, captureInfo(p))
	}

	txs := e.Transactions()
	require.Len(t, txs, 1, "the bound transaction is retired after the hold down")
	assert.Equal(t, dhcp.StateSelecting, txs[0].State)

	leases := e.Search(dhcp.Query{Start: t0, End: later})
	require.Len(t, leases, 1, "history outlives the transaction")
	assert.True(t, leases[0].Expired)
	assert.Equal(t, dhcp.StateInit, leases[0].State)
}

func TestMonitor_Outcomes(t *testing.T) {
	mon, _, rec := newTestMonitor(t, func(c *config.RadhcpConfig) {
		c.Engine.MaxTransactions = 1
	})
	ci := gopacket.CaptureInfo{Timestamp: t0}

	assert.Equal(t, metrics.PacketProcessed, mon.Handle(clientFrame(t, clientHW, 1, dhcpv4.MessageTypeDiscover), ci))
	assert.Equal(t, metrics.PacketExhausted, mon.Handle(clientFrame(t, clientHW, 2, dhcpv4.MessageTypeDiscover), ci))
	assert.Equal(t, metrics.PacketMalformed, mon.Handle(udpFrame(t, clientHW, leaseIP, serverIP, clientPort, serverPort, []byte{1}), ci))
	assert.Equal(t, metrics.PacketSkipped, mon.Handle([]byte{0}, ci))

	assert.Equal(t, countRecorder{
		metrics.PacketProcessed: 1,
		metrics.PacketExhausted: 1,
		metrics.PacketMalformed: 1,
		metrics.PacketSkipped:   1,
	}, rec)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	mon, _, _ := newTestMonitor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src, err := OpenFile(writePcap(t, exchange(t)))
	require.NoError(t, err)
	defer src.Close()
	assert.NoError(t, mon.Run(ctx, src))
}

func TestOpenFile_Errors(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "raw.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeRaw))
	require.NoError(t, f.Close())

	_, err = OpenFile(path)
	assert.ErrorContains(t, err, "unsupported link type")
}

func TestInterfaces(t *testing.T) {
	names, err := Interfaces([]string{"eth0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"eth0"}, names)

	names, err = Interfaces(nil)
	require.NoError(t, err)
	assert.NotContains(t, names, "lo")
}

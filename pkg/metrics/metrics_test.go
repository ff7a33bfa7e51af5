package metrics

import (
	"io"
	"net"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	config "github.com/a-light-win/radhcp/configs/radhcp"
	"github.com/a-light-win/radhcp/pkg/dhcp"
	"github.com/a-light-win/radhcp/pkg/wheel"
)

func TestMetrics_EngineEvents(t *testing.T) {
	start := time.Unix(1000, 0)
	w := wheel.New(time.Second, 60, wheel.WithStart(start))
	reg := dhcp.NewRegistry()
	m := New()
	e := dhcp.NewEngine(config.Default(), w, reg, dhcp.WithAlertSink(dhcp.Alerts{m, dhcp.LogAlerts}))
	defer e.Close()
	m.Register(reg)
	m.Observe(e)

	ack := &dhcp.Parsed{
		Timestamp: start,
		Op:        dhcp.OpReply,
		Xid:       1,
		Chaddr:    net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		MsgType:   dhcp.DHCPAck,
		Yiaddr:    netip.MustParseAddr("10.0.0.5"),
		Options:   bitset.New(256),
	}
	ack.Reply.ServerID = netip.MustParseAddr("10.0.0.1")
	ack.Reply.LeaseTime = time.Minute
	_, _, err := e.Process(ack)
	require.NoError(t, err)

	changed := *ack
	changed.Reply.LeaseTime = 2 * time.Minute
	_, _, err = e.Process(&changed)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("INIT", "BOUND")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Alerts.WithLabelValues("value_changed")))

	w.Advance(60 + 30)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Expired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Removed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("BOUND", "INIT")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Packet(PacketProcessed)
	m.Packet(PacketProcessed)
	m.Packet(PacketMalformed)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Packets.WithLabelValues(PacketProcessed)))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `radhcp_capture_packets_total{result="malformed"} 1`)
}

package dhcp

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
)

// AlertKind classifies an option decoding anomaly.
type AlertKind int

const (
	// AlertValueChanged: a server changed a value it had already sent.
	AlertValueChanged AlertKind = iota + 1
	// AlertClientIDMismatch: a client sent two different client identifiers
	// in one transaction.
	AlertClientIDMismatch
	// AlertRequestWithoutServerID: a REQUEST carried no server identifier.
	AlertRequestWithoutServerID
)

func (k AlertKind) String() string {
	switch k {
	case AlertValueChanged:
		return "value_changed"
	case AlertClientIDMismatch:
		return "client_id_mismatch"
	case AlertRequestWithoutServerID:
		return "request_without_server_id"
	default:
		return "unknown"
	}
}

// Alert is noted and processing continues.
type Alert struct {
	Kind  AlertKind
	HW    net.HardwareAddr
	Xid   uint32
	Field string
	Old   string
	New   string
}

func (a Alert) String() string {
	if a.Field == "" {
		return fmt.Sprintf("%s %s/%#08x", a.Kind, a.HW, a.Xid)
	}
	return fmt.Sprintf("%s %s/%#08x %s: %q -> %q", a.Kind, a.HW, a.Xid, a.Field, a.Old, a.New)
}

// AlertSink receives alerts. It is called with the transaction lock held.
type AlertSink interface {
	Alert(a Alert)
}

// AlertFunc adapts a function to AlertSink.
type AlertFunc func(a Alert)

func (f AlertFunc) Alert(a Alert) { f(a) }

// LogAlerts writes every alert to the global logger.
var LogAlerts AlertSink = AlertFunc(func(a Alert) {
	ev := log.Warn().
		Str("alert", a.Kind.String()).
		Str("MacAddr", a.HW.String()).
		Uint32("Xid", a.Xid)
	if a.Field != "" {
		ev = ev.Str("Field", a.Field).Str("Old", a.Old).Str("New", a.New)
	}
	ev.Msg("DHCP anomaly")
})

// Alerts fans an alert out to several sinks.
type Alerts []AlertSink

func (s Alerts) Alert(a Alert) {
	for _, sink := range s {
		sink.Alert(a)
	}
}

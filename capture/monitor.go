package capture

import (
	"context"
	"sync"

	"github.com/google/gopacket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/a-light-win/radhcp/pkg/dhcp"
	"github.com/a-light-win/radhcp/pkg/metrics"
	"github.com/a-light-win/radhcp/pkg/wheel"
)

const frameQueue = 1024

// Recorder counts the outcome of every frame.
type Recorder interface {
	Packet(result string)
}

type nopRecorder struct{}

func (nopRecorder) Packet(string) {}

type frame struct {
	data []byte
	ci   gopacket.CaptureInfo
}

// Monitor reads frames from its sources on one goroutine each and hands
// the DHCP messages to the engine from a single goroutine.
type Monitor struct {
	engine   *dhcp.Engine
	wheel    *wheel.Wheel
	recorder Recorder
	replay   bool
}

type MonitorOption func(*Monitor)

func WithRecorder(r Recorder) MonitorOption {
	return func(m *Monitor) { m.recorder = r }
}

// WithReplay drives the timer wheel from frame timestamps instead of the
// wall clock. The wheel must not be running.
func WithReplay() MonitorOption {
	return func(m *Monitor) { m.replay = true }
}

func NewMonitor(engine *dhcp.Engine, w *wheel.Wheel, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		engine:   engine,
		wheel:    w,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle processes one frame and returns its outcome.
func (m *Monitor) Handle(data []byte, ci gopacket.CaptureInfo) string {
	result := m.handle(data, ci)
	m.recorder.Packet(result)
	return result
}

func (m *Monitor) handle(data []byte, ci gopacket.CaptureInfo) string {
	msg, err := Decode(data, ci.Timestamp)
	if errors.Is(err, ErrNotDHCP) {
		return metrics.PacketSkipped
	}
	if err != nil {
		log.Debug().Err(err).Time("Timestamp", ci.Timestamp).Msg("Dropped malformed packet")
		return metrics.PacketMalformed
	}

	if m.replay {
		m.wheel.AdvanceTo(ci.Timestamp)
	}
	if _, _, err := m.engine.Process(msg); err != nil {
		if errors.Is(err, dhcp.ErrExhausted) {
			log.Warn().Str("MacAddr", msg.Chaddr.String()).Uint32("Xid", msg.Xid).Msg("Transaction limit reached, packet dropped")
			return metrics.PacketExhausted
		}
		log.Debug().Err(err).Msg("Packet not processed")
		return metrics.PacketMalformed
	}
	return metrics.PacketProcessed
}

// Run consumes every source until each is exhausted or ctx is done. It
// returns the first read error.
func (m *Monitor) Run(ctx context.Context, sources ...Source) error {
	frames := make(chan frame, frameQueue)
	errc := make(chan error, len(sources))

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if err := read(ctx, src, frames); err != nil {
				errc <- err
			}
		}(src)
	}
	go func() {
		wg.Wait()
		close(frames)
	}()

	n := 0
	for f := range frames {
		m.Handle(f.data, f.ci)
		n++
	}
	log.Debug().Int("Frames", n).Msg("Capture finished")

	close(errc)
	return <-errc
}

func read(ctx context.Context, src Source, out chan<- frame) error {
	for ctx.Err() == nil {
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if isEOF(err) {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case out <- frame{data: data, ci: ci}:
		case <-ctx.Done():
		}
	}
	return nil
}

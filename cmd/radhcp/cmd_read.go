package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/a-light-win/radhcp/capture"
	config "github.com/a-light-win/radhcp/configs/radhcp"
	"github.com/a-light-win/radhcp/pkg/dhcp"
	"github.com/a-light-win/radhcp/pkg/wheel"
)

type ReadCmd struct {
	Files []string `arg:"" type:"existingfile" help:"pcap or pcapng files, replayed in order"`

	Engine config.EngineConfig `embed:"" prefix:"engine-"`
	Timer  config.TimerConfig  `embed:"" prefix:"timer-"`

	Search       bool   `help:"Print the leases overlapping the search window as JSON"`
	Start        string `help:"Start of the search window, absolute or relative such as -1h"`
	End          string `help:"End of the search window, defaults to the last packet"`
	Addr         string `help:"Only leases of this address or prefix"`
	HW           string `name:"hw" help:"Only leases of this hardware address"`
	Pullup       bool   `help:"Join contiguous leases of the same client and address"`
	Transactions bool   `help:"Print the transactions still tracked at the end of the capture as JSON"`
}

type packetCounts map[string]int

func (c packetCounts) Packet(result string) { c[result]++ }

func (r *ReadCmd) Run() error {
	cfg := &config.RadhcpConfig{Engine: r.Engine, Timer: r.Timer}
	if err := validator.New().Struct(cfg); err != nil {
		log.Error().Err(err).Msg("config validation failed")
		return err
	}

	// Frame timestamps drive the wheel, starting from the first frame.
	w := wheel.New(cfg.Timer.Resolution, cfg.Timer.Slots, wheel.WithStart(time.Unix(0, 0)))
	engine := dhcp.NewEngine(cfg, w, dhcp.NewRegistry())
	defer engine.Close()
	engine.Start()

	counts := packetCounts{}
	monitor := capture.NewMonitor(engine, w, capture.WithReplay(), capture.WithRecorder(counts))
	for _, path := range r.Files {
		if err := replay(monitor, path); err != nil {
			return err
		}
	}
	log.Info().Interface("Packets", counts).
		Int("Transactions", engine.Clients().Len()).
		Int("Intervals", engine.Leases().Len()).
		Time("Until", w.Now()).
		Msg("Replay finished")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if r.Transactions {
		if err := enc.Encode(engine.Transactions()); err != nil {
			return err
		}
	}
	if !r.Search {
		return nil
	}
	q, err := dhcp.ParseQuery(r.Start, r.End, r.Addr, r.HW, w.Now(), time.Local)
	if err != nil {
		log.Error().Err(err).Msg("invalid search")
		return err
	}
	q.Pullup = r.Pullup
	return enc.Encode(engine.Search(q))
}

func replay(monitor *capture.Monitor, path string) error {
	src, err := capture.OpenFile(path)
	if err != nil {
		log.Error().Err(err).Str("File", path).Msg("failed to open capture")
		return err
	}
	defer src.Close()

	log.Debug().Str("File", path).Msg("Replaying capture")
	return monitor.Run(context.Background(), src)
}

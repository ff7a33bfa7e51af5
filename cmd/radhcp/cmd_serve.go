package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/a-light-win/radhcp/capture"
	config "github.com/a-light-win/radhcp/configs/radhcp"
	"github.com/a-light-win/radhcp/pkg/api"
	"github.com/a-light-win/radhcp/pkg/dhcp"
	"github.com/a-light-win/radhcp/pkg/metrics"
	"github.com/a-light-win/radhcp/pkg/wheel"
)

type ServeCmd struct {
	config.RadhcpConfig `embed:""`
}

func (s *ServeCmd) Run() error {
	cfg := &s.RadhcpConfig
	if err := validator.New().Struct(cfg); err != nil {
		log.Error().Err(err).Msg("config validation failed")
		return err
	}

	log.Log().Msgf("radhcp %s is start up", Version)
	log.Info().
		Str("WebhookURL", cfg.WebhookURL).
		Strs("IfaceNames", cfg.IfaceNames).
		Str("Listen", cfg.Listen).
		Int64("MaxTransactions", cfg.Engine.MaxTransactions).
		Dur("Retention", cfg.Engine.Retention).
		Msg("Core config")

	sources, err := capture.OpenInterfaces(cfg.IfaceNames)
	if err != nil {
		log.Error().Err(err).Msg("failed to open capture interfaces")
		return err
	}
	defer func() {
		for _, src := range sources {
			src.Close()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	reg := dhcp.NewRegistry()
	w := wheel.New(cfg.Timer.Resolution, cfg.Timer.Slots)
	engine := dhcp.NewEngine(cfg, w, reg, dhcp.WithAlertSink(dhcp.Alerts{dhcp.LogAlerts, m}))
	m.Register(reg)
	m.Observe(engine)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { w.Run(ctx) })
	engine.Start()

	if cfg.WebhookURL != "" {
		handler := dhcp.NewDhcpHandler(cfg)
		handler.Register(reg)
		defer handler.Close()
		spawn(func() { handler.Run(ctx) })
	}

	if cfg.Listen != "" {
		server := api.NewAPI(engine, m.Handler())
		spawn(func() {
			if err := server.Run(ctx, cfg.Listen); err != nil {
				log.Error().Err(err).Msg("HTTP API stopped")
				stop()
			}
		})
	}

	monitor := capture.NewMonitor(engine, w, capture.WithRecorder(m))
	err = monitor.Run(ctx, sources...)

	stop()
	wg.Wait()
	engine.Close()
	log.Info().Msg("radhcp stopped")
	return err
}

package dhcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	config "github.com/a-light-win/radhcp/configs/radhcp"
)

const (
	webhookQueueLen = 256
	webhookTimeout  = 10 * time.Second
)

type Handler interface {
	Handle(*DhcpEvent)
	Close()
}

// DhcpHandler posts lease events to a webhook. Handle only queues; Run
// does the I/O so listeners never block under a transaction lock.
type DhcpHandler struct {
	Config *config.RadhcpConfig

	events chan DhcpEvent
	client *http.Client
	done   chan struct{}
}

func NewDhcpHandler(cfg *config.RadhcpConfig) *DhcpHandler {
	return &DhcpHandler{
		Config: cfg,
		events: make(chan DhcpEvent, webhookQueueLen),
		client: &http.Client{Timeout: webhookTimeout},
		done:   make(chan struct{}),
	}
}

// Register subscribes the handler to new bindings and lease expiries.
func (d *DhcpHandler) Register(reg *Registry) {
	reg.Register(EventStateChange, "webhook", func(c *Change) error {
		if c.To == StateBound {
			ev := eventOf(c)
			d.Handle(&ev)
		}
		return nil
	})
	reg.Register(EventLeaseExpired, "webhook", func(c *Change) error {
		ev := eventOf(c)
		d.Handle(&ev)
		return nil
	})
}

func (d *DhcpHandler) Handle(event *DhcpEvent) {
	log.Debug().Str("State", event.State.String()).
		Str("IpAddr", event.IpAddr).
		Str("MacAddr", event.MacAddr).
		Str("Hostname", event.Hostname).
		Msg("Receive dhcp event")

	select {
	case d.events <- *event:
	default:
		log.Warn().Str("MacAddr", event.MacAddr).Msg("Webhook queue full, dropping event")
	}
}

// Run sends queued events until ctx is done or the handler is closed.
func (d *DhcpHandler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case event := <-d.events:
			d.sendToWebhook(&event)
		}
	}
}

func (d *DhcpHandler) Close() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

func (d *DhcpHandler) sendToWebhook(event *DhcpEvent) {
	log.Info().Str("State", event.State.String()).
		Str("IpAddr", event.IpAddr).
		Str("MacAddr", event.MacAddr).
		Str("Hostname", event.Hostname).
		Msg("Send dhcp event to webhook")

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event before sending to webhook")
		return
	}

	client := d.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Post(d.Config.WebhookURL, "application/json", bytes.NewBuffer(data))
	if err != nil {
		log.Error().Err(err).Msg("Failed to send event to webhook")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("received non-200 response: %d", resp.StatusCode)
		log.Error().Err(err).Msg("Failed to send event to webhook")
	}
}

package radhcp

import "time"

type TimerConfig struct {
	Resolution       time.Duration `default:"1s" validate:"gt=0" help:"Timer wheel tick period"`
	Slots            int           `default:"60" validate:"min=1" help:"Number of timer wheel slots"`
	LeaseHolddown    time.Duration `default:"30s" validate:"gte=0" help:"How long an expired lease is kept before the transaction is retired"`
	DiscoverHolddown time.Duration `default:"10s" validate:"gt=0" help:"How long an unbound transaction is kept after its last message"`
}

type EngineConfig struct {
	MaxTransactions int64         `default:"1048576" validate:"min=1" help:"Maximum number of in-progress transactions"`
	MaxResults      int           `default:"4096" validate:"min=1" help:"Maximum number of leases returned by one search"`
	Retention       time.Duration `default:"0s" validate:"gte=0" help:"Drop lease history older than this, 0 keeps everything"`
}

type RadhcpConfig struct {
	WebhookURL string   `validate:"omitempty,url" help:"URL to send lease events to"`
	IfaceNames []string `help:"Network interfaces to monitor DHCP traffic on"`
	Listen     string   `default:":8067" validate:"omitempty,hostname_port" help:"Address of the HTTP API, empty disables it"`

	Engine EngineConfig `embed:"" prefix:"engine-"`
	Timer  TimerConfig  `embed:"" prefix:"timer-"`
}

// Default returns the configuration kong would build without flags.
func Default() *RadhcpConfig {
	return &RadhcpConfig{
		Listen: ":8067",
		Engine: EngineConfig{
			MaxTransactions: 1 << 20,
			MaxResults:      4096,
		},
		Timer: TimerConfig{
			Resolution:       time.Second,
			Slots:            60,
			LeaseHolddown:    30 * time.Second,
			DiscoverHolddown: 10 * time.Second,
		},
	}
}

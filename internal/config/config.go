// Package config defines fmtprecvd's configuration: a single yaml-tagged
// struct, loaded from a YAML file over built-in defaults. No command-line
// flag overrides its fields; the daemon's CLI only names the file.
package config

import (
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrMcastAddrRequired = errors.New("multicast group address must be set")
	ErrTCPAddrRequired   = errors.New("sender TCP retransmission address must be set")
)

// Config is the full configuration for one FMTP receiver instance plus the
// daemon wrapped around it.
type Config struct {
	// Retransmission endpoint the receiver dials over TCP.
	SenderTCPAddr string `yaml:"sender_tcp_addr"`

	// Multicast group the receiver joins.
	MulticastAddr string `yaml:"multicast_addr"`

	// Local interface used for the IGMP join and the retx socket bind.
	InterfaceAddr string `yaml:"interface_addr,omitempty"`

	// LinkSpeedBPS is the nominal sender throughput in bits/sec, used only
	// to scale the per-product timeout. Runtime-settable via the control
	// socket; this is only the initial value.
	LinkSpeedBPS uint64 `yaml:"link_speed_bps,omitempty"`

	// BaseTimeout is the fixed component of the per-product deadline.
	BaseTimeout time.Duration `yaml:"base_timeout,omitempty"`

	// RetxSlack is added to every per-product deadline to allow for one
	// round trip of retransmission request/response.
	RetxSlack time.Duration `yaml:"retx_slack,omitempty"`

	// RetxQueueCapacity bounds the retransmission-request queue.
	RetxQueueCapacity int `yaml:"retx_queue_capacity,omitempty"`

	// RecentlyResolvedCapacity bounds the LRU of just-finished prodindexes
	// used to drop stale late packets without reopening Missing-BOP.
	RecentlyResolvedCapacity int `yaml:"recently_resolved_capacity,omitempty"`

	// MissingBopPendingCap bounds the brief per-index pending list for
	// DATA arriving before BOP. Zero (the default) drops such DATA
	// outright instead of buffering it.
	MissingBopPendingCap int `yaml:"missing_bop_pending_cap,omitempty"`

	// UDPReadTimeout bounds how long the Multicast Reader blocks in recv
	// before re-checking the shutdown flag.
	UDPReadTimeout time.Duration `yaml:"udp_read_timeout,omitempty"`

	// UDPRetryBudget is the number of transient UDP socket errors
	// tolerated before the receiver treats the condition as fatal.
	UDPRetryBudget int `yaml:"udp_retry_budget,omitempty"`

	// ControlSocketPath is the Unix-domain socket fmtprecvd listens on for
	// set-link-speed / stop commands.
	ControlSocketPath string `yaml:"control_socket_path,omitempty"`

	// MetricsListenAddress serves GET /metrics (Prometheus).
	MetricsListenAddress string `yaml:"metrics_listen_address,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`
	LogJSON  bool   `yaml:"log_json,omitempty"`
}

// DefaultConfig returns a Config with every optional field set to its
// default.
func DefaultConfig() Config {
	return Config{
		LinkSpeedBPS:             0, // 0 == infinite link speed, no timeout scaling
		BaseTimeout:              5 * time.Second,
		RetxSlack:                500 * time.Millisecond,
		RetxQueueCapacity:        4096,
		RecentlyResolvedCapacity: 1024,
		MissingBopPendingCap:     0,
		UDPReadTimeout:           200 * time.Millisecond,
		UDPRetryBudget:           3,
		ControlSocketPath:        "/var/run/fmtprecvd.sock",
		MetricsListenAddress:     ":9820",
		LogLevel:                 "info",
		LogJSON:                  true,
	}
}

// Load reads a YAML config file at path, merging it over DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	expanded, err := homedir.Expand(path)
	if err != nil {
		return cfg, errors.Wrap(err, "expanding config path")
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing config file")
	}
	return cfg, cfg.Validate()
}

// Validate checks that the fields required at construction are present.
func (c Config) Validate() error {
	if c.MulticastAddr == "" {
		return ErrMcastAddrRequired
	}
	if c.SenderTCPAddr == "" {
		return ErrTCPAddrRequired
	}
	return nil
}

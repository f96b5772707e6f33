package topoctl

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/devicemesh/topoctl/deployment"
	"github.com/devicemesh/topoctl/device"
	"github.com/pelletier/go-toml"
)

// Config is the odcd daemon's full configuration: broker connection, the
// deployment service's domain/channel scoping, and the bootstrap nMin
// policy for collections known ahead of time. It loads the same way the
// teacher's config.go does (go-toml file first), then layers environment
// variables over it with caarlos0/env so a deployment can override any
// env-tagged scalar field without touching the file on disk; the
// collection and device lists come from the file only.
type Config struct {
	Broker     BrokerConfig     `toml:"broker"`
	Deployment DeploymentConfig `toml:"deployment"`
	Topology   TopologyConfig   `toml:"topology"`
	StatusAPI  StatusAPIConfig  `toml:"status_api"`
	LogLevel   string           `toml:"log_level" env:"ODCD_LOG_LEVEL" envDefault:"info"`
}

// BrokerConfig describes the MQTT broker the pkg/mqtt.PubSub connects to.
type BrokerConfig struct {
	URL      string `toml:"url" env:"ODCD_BROKER_URL"`
	ClientID string `toml:"client_id" env:"ODCD_BROKER_CLIENT_ID"`
	Username string `toml:"username" env:"ODCD_BROKER_USERNAME"`
	Password string `toml:"password" env:"ODCD_BROKER_PASSWORD"`
	TLSCert  string `toml:"tls_cert" env:"ODCD_BROKER_TLS_CERT"`
	TLSKey   string `toml:"tls_key" env:"ODCD_BROKER_TLS_KEY"`
	TLSCA    string `toml:"tls_ca" env:"ODCD_BROKER_TLS_CA"`
}

// DeploymentConfig scopes the controller to one domain/channel pair on the
// deployment service (spec.md §6).
type DeploymentConfig struct {
	DomainID  string `toml:"domain_id" env:"ODCD_DOMAIN_ID"`
	ChannelID string `toml:"channel_id" env:"ODCD_CHANNEL_ID"`
}

// CollectionBootstrap is one entry of the bootstrap nMin policy: a
// collection id and its nMin.
type CollectionBootstrap struct {
	ID   device.CollectionID `toml:"id"`
	NMin int                 `toml:"n_min"`
}

// DeviceBootstrap is one statically known device, since the device table
// is fixed for the life of the process (spec.md §3 "Lifecycle") and the
// MQTT transport has no separate discovery protocol of its own.
type DeviceBootstrap struct {
	TaskID       uint64              `toml:"task_id"`
	CollectionID device.CollectionID `toml:"collection_id"`
	Path         string              `toml:"path"`
	Name         string              `toml:"name"`
	Expendable   bool                `toml:"expendable"`
}

// TopologyConfig mirrors topology.Config plus the bootstrap nMin policy
// that has no other source: the deployment service's task iterator knows
// collection membership, but not the nMin threshold, which is a topology
// control core concept (spec.md §3).
type TopologyConfig struct {
	DefaultTimeout         time.Duration         `toml:"default_timeout" env:"ODCD_DEFAULT_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval      time.Duration         `toml:"heartbeat_interval" env:"ODCD_HEARTBEAT_INTERVAL" envDefault:"5s"`
	MaxConcurrentSyncCalls int64                 `toml:"max_concurrent_sync_calls" env:"ODCD_MAX_CONCURRENT_SYNC_CALLS" envDefault:"64"`
	MinStatePublishers     int                   `toml:"min_state_publishers" env:"ODCD_MIN_STATE_PUBLISHERS" envDefault:"0"`
	Collections            []CollectionBootstrap `toml:"collections"`
	Devices                []DeviceBootstrap     `toml:"devices"`
}

// StatusAPIConfig controls the read-only introspection HTTP server.
type StatusAPIConfig struct {
	ListenAddr string `toml:"listen_addr" env:"ODCD_STATUS_API_ADDR" envDefault:":8080"`
	Enabled    bool   `toml:"enabled" env:"ODCD_STATUS_API_ENABLED" envDefault:"true"`
}

// SeedTasks converts the configured device/collection bootstrap lists into
// the deployment.TaskInfo slice a deployment.MQTTService is constructed
// with.
func (c *TopologyConfig) SeedTasks() []deployment.TaskInfo {
	nMin := make(map[device.CollectionID]int, len(c.Collections))
	for _, col := range c.Collections {
		nMin[col.ID] = col.NMin
	}

	tasks := make([]deployment.TaskInfo, 0, len(c.Devices))
	for _, d := range c.Devices {
		tasks = append(tasks, deployment.TaskInfo{
			TaskID:       device.ID(d.TaskID),
			CollectionID: d.CollectionID,
			Path:         d.Path,
			Name:         d.Name,
			Expendable:   d.Expendable,
			NMin:         nMin[d.CollectionID],
		})
	}

	return tasks
}

// LoadConfig reads a TOML file, then overlays process environment
// variables tagged on the struct, the same two-step shape the teacher's
// LoadConfig takes for the file half.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}

		tree, err := toml.Load(string(data))
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		if err := tree.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("error unmarshaling config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error applying environment overrides: %w", err)
	}

	return &cfg, nil
}

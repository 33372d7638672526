// Package config loads the YAML configuration of a cluster server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/paxos"
	"github.com/ryandielhenn/zephyrcluster/pkg/server"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

const (
	ModeMultiPaxos = "multipaxos"
	ModeRingPaxos  = "ringpaxos"

	defaultListen          = ":" + transport.DefaultPort
	defaultClusterName     = "default"
	defaultAllowedFailures = 1
	defaultTick            = 50 * time.Millisecond
	defaultDialTimeout     = 5 * time.Second
	defaultLeaseTTL        = 10
	defaultCapacity        = 64 << 20
	defaultQueueSize       = 1024
	defaultRequestTimeout  = 2 * time.Second
	defaultWriteTimeout    = 5 * time.Second
)

// Config is the whole file. Every section has WithDefaults.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Logger    *LogConfig      `yaml:"logger"`
	Debug     bool            `yaml:"debug"`
}

type NodeConfig struct {
	ID string `yaml:"id"`
	// Addr is the host:port other servers reach this one at.
	Addr string `yaml:"addr"`
	// Listen is the local HTTP bind address.
	Listen string `yaml:"listen"`
	// ServerID must be unique in the cluster and below 100; it is the
	// remainder of this server's ballots.
	ServerID int `yaml:"serverId"`
}

func (c NodeConfig) WithDefaults() NodeConfig {
	cpy := c
	if cpy.Listen == "" {
		cpy.Listen = defaultListen
	}
	if cpy.Addr == "" && cpy.ID != "" {
		cpy.Addr = cpy.ID
	}
	if cpy.Addr != "" {
		cpy.Addr = transport.NormalizeHostPort(cpy.Addr, transport.DefaultPort)
	}
	if cpy.ServerID == 0 {
		cpy.ServerID = trailingNumber(cpy.ID)
	}
	return cpy
}

// trailingNumber reads "node3" as 3, and anything else as 1.
func trailingNumber(id string) int {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(id[i:])
	if err != nil || n <= 0 || n >= paxos.BallotStep {
		return 1
	}
	return n
}

type ClusterConfig struct {
	Name            string   `yaml:"name"`
	Mode            string   `yaml:"mode"`
	AllowedFailures int      `yaml:"allowedFailures"`
	Roles           []string `yaml:"roles"`
	// Seeds are join targets tried before the ones found in etcd.
	Seeds []string      `yaml:"seeds"`
	Tick  time.Duration `yaml:"tick"`
}

func (c ClusterConfig) WithDefaults() ClusterConfig {
	cpy := c
	if cpy.Name == "" {
		cpy.Name = defaultClusterName
	}
	if cpy.Mode == "" {
		cpy.Mode = ModeMultiPaxos
	}
	if cpy.AllowedFailures == 0 {
		cpy.AllowedFailures = defaultAllowedFailures
	}
	if cpy.Tick == 0 {
		cpy.Tick = defaultTick
	}
	return cpy
}

// TimeoutsConfig mirrors server.Timeouts; zero fields take the server
// defaults.
type TimeoutsConfig struct {
	Default           time.Duration `yaml:"default"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	Phase1            time.Duration `yaml:"phase1"`
	Phase2            time.Duration `yaml:"phase2"`
	Learn             time.Duration `yaml:"learn"`
	Join              time.Duration `yaml:"join"`
	Leave             time.Duration `yaml:"leave"`
	Expectation       time.Duration `yaml:"expectation"`
}

func (c TimeoutsConfig) WithDefaults() TimeoutsConfig {
	t := server.Timeouts(c).WithDefaults()
	return TimeoutsConfig(t)
}

func (c TimeoutsConfig) Server() server.Timeouts {
	return server.Timeouts(c.WithDefaults())
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	// LeaseTTL is in seconds.
	LeaseTTL int64 `yaml:"leaseTTL"`
}

func (c EtcdConfig) WithDefaults() EtcdConfig {
	cpy := c
	if cpy.DialTimeout == 0 {
		cpy.DialTimeout = defaultDialTimeout
	}
	if cpy.LeaseTTL == 0 {
		cpy.LeaseTTL = defaultLeaseTTL
	}
	return cpy
}

type StoreConfig struct {
	CapacityBytes int           `yaml:"capacityBytes"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
}

func (c StoreConfig) WithDefaults() StoreConfig {
	cpy := c
	if cpy.CapacityBytes == 0 {
		cpy.CapacityBytes = defaultCapacity
	}
	if cpy.WriteTimeout == 0 {
		cpy.WriteTimeout = defaultWriteTimeout
	}
	return cpy
}

type TransportConfig struct {
	QueueSize      int           `yaml:"queueSize"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

func (c TransportConfig) WithDefaults() TransportConfig {
	cpy := c
	if cpy.QueueSize == 0 {
		cpy.QueueSize = defaultQueueSize
	}
	if cpy.RequestTimeout == 0 {
		cpy.RequestTimeout = defaultRequestTimeout
	}
	return cpy
}

func (c Config) WithDefaults() Config {
	cpy := c
	cpy.Node = c.Node.WithDefaults()
	cpy.Cluster = c.Cluster.WithDefaults()
	cpy.Timeouts = c.Timeouts.WithDefaults()
	cpy.Etcd = c.Etcd.WithDefaults()
	cpy.Store = c.Store.WithDefaults()
	cpy.Transport = c.Transport.WithDefaults()
	if c.Logger != nil {
		l := c.Logger.WithDefaults()
		cpy.Logger = &l
	}
	return cpy
}

// Validate reports settings the server cannot run with.
func (c Config) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node.id is required")
	}
	if c.Node.ServerID <= 0 || c.Node.ServerID >= paxos.BallotStep {
		return errors.Errorf("node.serverId %d out of range 1..%d", c.Node.ServerID, paxos.BallotStep-1)
	}
	switch c.Cluster.Mode {
	case ModeMultiPaxos, ModeRingPaxos:
	default:
		return errors.Errorf("unknown cluster.mode %q", c.Cluster.Mode)
	}
	if c.Cluster.AllowedFailures < 0 {
		return errors.New("cluster.allowedFailures must not be negative")
	}
	return nil
}

// ServerOptions converts the file into protocol server options.
func (c Config) ServerOptions() server.Options {
	return server.Options{
		ServerID:        c.Node.ServerID,
		AllowedFailures: c.Cluster.AllowedFailures,
		Roles:           c.Cluster.Roles,
		Timeouts:        c.Timeouts.Server(),
	}
}

// Parse decodes data and applies environment overrides and defaults.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	c = c.fromEnv().WithDefaults()
	return c, errors.Wrap(c.Validate(), "invalid config")
}

// Load reads path, or only the environment when path is empty.
func Load(path string) (Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// fromEnv applies SELF_ID, SELF_ADDR, SERVER_ID, LISTEN_ADDR, CLUSTER_SEEDS
// and ETCD_ENDPOINTS when set.
func (c Config) fromEnv() Config {
	if v := os.Getenv("SELF_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("SELF_ADDR"); v != "" {
		c.Node.Addr = v
	}
	if v := os.Getenv("SERVER_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Node.ServerID = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Node.Listen = v
	}
	if v := os.Getenv("CLUSTER_SEEDS"); v != "" {
		c.Cluster.Seeds = splitList(v)
	}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = splitList(v)
	}
	return c
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

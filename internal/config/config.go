// Package config loads node configuration from defaults, a config
// file and environment overrides using viper, the teacher's
// configuration library (cmd/cli, cmd/explorer in the teacher repo).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ReplicationMode selects which payees a client replicates a freshly
// paid record to (spec.md §9 Open Question 1).
type ReplicationMode string

const (
	// ReplicateViaCloseGroup: the node that received the client PUT
	// replicates to the rest of the record's close group. Default.
	ReplicateViaCloseGroup ReplicationMode = "close-group"
	// ReplicateToAllPayees: the client uploads directly to every
	// payee named in the quote; nodes do not re-replicate on receipt.
	ReplicateToAllPayees ReplicationMode = "all-payees"
)

// Config aggregates every tunable named across spec.md §4.
type Config struct {
	NetworkID       string
	ProtocolVersion string
	ListenAddrs     []string

	// Routing table / close group.
	BucketSize      int           // K, default 20
	RefreshInterval time.Duration // default 5m

	// Bootstrap pipeline.
	BootstrapEnvVar          string
	CLIBootstrapAddrs        []string
	BootstrapCachePath       string
	ContactsEndpoints        []string
	BootstrapFetchTimeout    time.Duration // default 10s
	MaxConcurrentDials       int           // default 10
	MaxContactedBeforeStop   int           // default 200
	PreloadMinAddrs          int           // default 5
	PreloadOverallTimeout    time.Duration // default 30s
	FirstNode                bool

	// Reachability detector.
	ReachabilityMinObservations int           // default 3
	ReachabilityMaxWorkflowTries int          // default 3
	ReachabilityMaxDialAttempts int           // default 5
	ReachabilityDialBackDelay   time.Duration // evidence-of-dial-back delay
	ReachabilityDialStuckAfter  time.Duration // default 30s

	// Swarm driver / queries.
	QueryTimeout           time.Duration // default 60s
	RequestTimeout         time.Duration // default 30s
	ConnectionIdleTimeout  time.Duration // default 30s
	EventChannelCapacity   int           // default 10000
	VerificationAttempts   int           // default 5
	VerificationBackoff    time.Duration // default 3s
	PutRecordRetries       int           // default 10
	VerificationQuorum     int           // default quorum size for get-record

	// Replication fetcher.
	MaxConcurrentFetches int           // default bounded pool size
	FetchBackoffStart    time.Duration // default 5s
	FetchBackoffCap      time.Duration // default 5m

	// Record store.
	ScratchpadMaxSize  int           // default 4 MiB
	ChunkMaxSize       int           // default 1 MiB
	StoreSoftCapBytes  int64
	ClientPutGraceWindow time.Duration // default 10m
	StoreSyncInterval  time.Duration   // default 30s

	// Payment.
	RetryPaymentVerificationWait time.Duration // default 5s
	NetworkDensity               *int          // optional distance tolerance

	ReplicationMode ReplicationMode
	LocalMode       bool
}

// Default returns a Config populated with every default named in
// spec.md §4.
func Default() Config {
	return Config{
		NetworkID:                   "antswarm-mainnet",
		ProtocolVersion:             "antswarm/1.0.0",
		ListenAddrs:                 []string{"/ip4/0.0.0.0/tcp/0", "/ip4/0.0.0.0/udp/0/quic-v1"},
		BucketSize:                  20,
		RefreshInterval:             5 * time.Minute,
		BootstrapEnvVar:             "ANTSWARM_BOOTSTRAP_PEERS",
		BootstrapFetchTimeout:       10 * time.Second,
		MaxConcurrentDials:          10,
		MaxContactedBeforeStop:      200,
		PreloadMinAddrs:             5,
		PreloadOverallTimeout:       30 * time.Second,
		ReachabilityMinObservations: 3,
		ReachabilityMaxWorkflowTries: 3,
		ReachabilityMaxDialAttempts: 5,
		ReachabilityDialBackDelay:   2 * time.Second,
		ReachabilityDialStuckAfter:  30 * time.Second,
		QueryTimeout:                60 * time.Second,
		RequestTimeout:              30 * time.Second,
		ConnectionIdleTimeout:       30 * time.Second,
		EventChannelCapacity:        10000,
		VerificationAttempts:        5,
		VerificationBackoff:         3 * time.Second,
		PutRecordRetries:            10,
		VerificationQuorum:          2,
		MaxConcurrentFetches:        32,
		FetchBackoffStart:           5 * time.Second,
		FetchBackoffCap:             5 * time.Minute,
		ScratchpadMaxSize:           4 << 20,
		ChunkMaxSize:                1 << 20,
		StoreSoftCapBytes:           50 << 30,
		ClientPutGraceWindow:        10 * time.Minute,
		StoreSyncInterval:           30 * time.Second,
		RetryPaymentVerificationWait: 5 * time.Second,
		ReplicationMode:             ReplicateViaCloseGroup,
	}
}

// Load reads defaults, then a config file (if present) and
// environment overrides via viper, matching the teacher's viper-based
// config loading in cmd/cli and cmd/explorer.
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("ANTSWARM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if v.IsSet("network_id") {
		cfg.NetworkID = v.GetString("network_id")
	}
	if v.IsSet("listen_addrs") {
		cfg.ListenAddrs = v.GetStringSlice("listen_addrs")
	}
	if v.IsSet("bucket_size") {
		cfg.BucketSize = v.GetInt("bucket_size")
	}
	if v.IsSet("first_node") {
		cfg.FirstNode = v.GetBool("first_node")
	}
	if v.IsSet("local_mode") {
		cfg.LocalMode = v.GetBool("local_mode")
	}
	if v.IsSet("replication_mode") {
		cfg.ReplicationMode = ReplicationMode(v.GetString("replication_mode"))
	}
	if v.IsSet("bootstrap_cache_path") {
		cfg.BootstrapCachePath = v.GetString("bootstrap_cache_path")
	}
	if v.IsSet("contacts_endpoints") {
		cfg.ContactsEndpoints = v.GetStringSlice("contacts_endpoints")
	}
	if v.IsSet("cli_bootstrap_addrs") {
		cfg.CLIBootstrapAddrs = v.GetStringSlice("cli_bootstrap_addrs")
	}

	return cfg, nil
}

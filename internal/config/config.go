// Package config defines the registry's process configuration.
//
// Values come from three layers, lowest precedence first: the defaults
// returned by New, an optional YAML file named by REGISTRY_CONFIG, and
// REGISTRY_* environment variables.
package config

import (
	"strings"
	"time"
)

// Store drivers accepted by StoreDriver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Dedup policies accepted by DedupPolicy.
const (
	PolicyLIFO = "lifo"
	PolicyFIFO = "fifo"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8000".
	Addr string `koanf:"addr"`

	StoreDriver    string `koanf:"store_driver"`
	DatabaseURL    string `koanf:"database_url"`
	ReadReplicaURL string `koanf:"read_replica_url"`
	MigrateOnStart bool   `koanf:"migrate_on_start"`

	// RedisURL enables the score read cache when non-empty.
	RedisURL      string        `koanf:"redis_url"`
	ScoreCacheTTL time.Duration `koanf:"score_cache_ttl"`

	CeramicURL    string        `koanf:"ceramic_url"`
	VerifierURL   string        `koanf:"verifier_url"`
	FetchTimeout  time.Duration `koanf:"fetch_timeout"`
	VerifyTimeout time.Duration `koanf:"verify_timeout"`
	// FetchMissTTL remembers DIDs without a document for this long. A
	// passport published inside the window is rejected until it expires.
	// Zero disables it.
	FetchMissTTL time.Duration `koanf:"fetch_miss_ttl"`

	// TrustedIAMIssuer must sign the passport document and is always
	// accepted on stamps. TrustedIssuers extends the stamp allow-list.
	TrustedIAMIssuer string   `koanf:"trusted_iam_issuer"`
	TrustedIssuers   []string `koanf:"trusted_issuers"`

	// SigningMessage is the text wallets sign to authorize a submission.
	SigningMessage string `koanf:"signing_message"`

	DedupPolicy string `koanf:"dedup_policy"`

	APIKeyCacheTTL time.Duration `koanf:"api_key_cache_ttl"`

	RateLimitEnable bool    `koanf:"ratelimit_enable"`
	RateLimitRPS    float64 `koanf:"ratelimit_rps"`
	RateLimitBurst  int     `koanf:"ratelimit_burst"`

	RescoreQueueSize   int `koanf:"rescore_queue_size"`
	RescoreWorkerCount int `koanf:"rescore_worker_count"`

	// BootstrapAddress and BootstrapAPIKey seed one account and its key
	// ("<prefix>.<secret>") at startup when both are set.
	BootstrapAddress string `koanf:"bootstrap_address"`
	BootstrapAPIKey  string `koanf:"bootstrap_api_key"`

	// OTLPEndpoint enables trace export over OTLP/HTTP, e.g. "localhost:4318".
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:           "info",
		LogFormat:          "text",
		Addr:               ":8000",
		StoreDriver:        DriverMemory,
		MigrateOnStart:     true,
		ScoreCacheTTL:      5 * time.Minute,
		CeramicURL:         "https://ceramic.passport-iam.gitcoin.co",
		VerifierURL:        "http://localhost:8001/verify",
		FetchTimeout:       10 * time.Second,
		VerifyTimeout:      5 * time.Second,
		TrustedIAMIssuer:   "did:key:z6MkghvGHLobLEdj1bgRLhS4LPGJAvbMA1tn2zcRyqmYU5LC",
		SigningMessage:     "I authorize the passport scorer to validate my account",
		DedupPolicy:        PolicyLIFO,
		APIKeyCacheTTL:     time.Minute,
		RateLimitRPS:       10,
		RateLimitBurst:     20,
		RescoreQueueSize:   1000,
		RescoreWorkerCount: 4,
	}
}

// Validate reports the first invalid setting wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return invalid("addr must not be empty")
	}
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.DatabaseURL == "" {
			return invalid("database_url is required for store_driver " + c.StoreDriver)
		}
	default:
		return invalid("unknown store_driver " + c.StoreDriver)
	}
	switch c.DedupPolicy {
	case PolicyLIFO, PolicyFIFO:
	default:
		return invalid("unknown dedup_policy " + c.DedupPolicy)
	}
	if c.TrustedIAMIssuer == "" {
		return invalid("trusted_iam_issuer must not be empty")
	}
	if c.RescoreWorkerCount <= 0 || c.RescoreQueueSize <= 0 {
		return invalid("rescore queue size and worker count must be positive")
	}
	if (c.BootstrapAddress == "") != (c.BootstrapAPIKey == "") {
		return invalid("bootstrap_address and bootstrap_api_key must be set together")
	}
	if c.BootstrapAPIKey != "" && !strings.Contains(c.BootstrapAPIKey, ".") {
		return invalid("bootstrap_api_key must look like <prefix>.<secret>")
	}
	if c.RateLimitEnable && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return invalid("ratelimit_rps and ratelimit_burst must be positive")
	}
	return nil
}

// StampIssuers is the full allow-list for individual stamps.
func (c *Config) StampIssuers() []string {
	out := make([]string, 0, len(c.TrustedIssuers)+1)
	out = append(out, c.TrustedIAMIssuer)
	for _, iss := range c.TrustedIssuers {
		if iss != "" && iss != c.TrustedIAMIssuer {
			out = append(out, iss)
		}
	}
	return out
}

// Package config loads the relay's configuration from a file and the
// environment. Every value has a LAUNCHTUBE_-prefixed environment override.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"

	"github.com/stellar/launchtube/soroban"
)

// Config is the relay's full configuration.
type Config struct {
	NetworkPassphrase string `mapstructure:"network_passphrase"`
	// SponsorSecret is the secret seed of the account that funds sequence
	// accounts and pays every fee bump.
	SponsorSecret string `mapstructure:"sponsor_secret"`
	// RPCURLs lists the RPC endpoints, either comma-separated URLs or a JSON
	// array whose elements are a URL string or a [url, authToken] pair.
	RPCURLs string `mapstructure:"rpc_urls"`
	// DatabasePath is the directory for the embedded store.
	DatabasePath string `mapstructure:"database_path"`
	// MetricsDSN is an optional Postgres DSN for the transaction record.
	MetricsDSN string `mapstructure:"metrics_dsn"`
	// DevMode disables the token activation gate.
	DevMode           bool          `mapstructure:"dev_mode"`
	EagerCredits      int64         `mapstructure:"eager_credits"`
	FeeFloorContracts []string      `mapstructure:"fee_floor_contracts"`
	LeaseTimeout      time.Duration `mapstructure:"lease_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	PollInitial       time.Duration `mapstructure:"poll_initial"`
	PollBudget        time.Duration `mapstructure:"poll_budget"`
}

// Load reads configuration from the optional file at path and the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("launchtube")
	v.AutomaticEnv()

	v.SetDefault("network_passphrase", network.TestNetworkPassphrase)
	v.SetDefault("database_path", "launchtube.db")
	v.SetDefault("lease_timeout", 5*time.Minute)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("poll_initial", 2*time.Second)
	v.SetDefault("poll_budget", 30*time.Second)

	// AutomaticEnv alone does not surface env-only keys through Unmarshal.
	for _, key := range []string{
		"network_passphrase", "sponsor_secret", "rpc_urls", "database_path",
		"metrics_dsn", "dev_mode", "eager_credits", "fee_floor_contracts",
		"lease_timeout", "sweep_interval", "poll_initial", "poll_budget",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	c := new(Config)
	err := v.Unmarshal(c)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return c, c.Validate()
}

// Validate checks the configuration is complete enough to open the relay.
func (c *Config) Validate() error {
	if c.SponsorSecret == "" {
		return errors.New("sponsor_secret is required")
	}
	if _, err := keypair.ParseFull(c.SponsorSecret); err != nil {
		return fmt.Errorf("parsing sponsor_secret: %w", err)
	}
	if c.RPCURLs == "" {
		return errors.New("rpc_urls is required")
	}
	if _, err := c.Endpoints(); err != nil {
		return err
	}
	return nil
}

// Sponsor returns the sponsor keypair.
func (c *Config) Sponsor() (*keypair.Full, error) {
	return keypair.ParseFull(c.SponsorSecret)
}

// Endpoints parses RPCURLs.
func (c *Config) Endpoints() ([]soroban.Endpoint, error) {
	raw := strings.TrimSpace(c.RPCURLs)
	if !strings.HasPrefix(raw, "[") {
		var endpoints []soroban.Endpoint
		for _, url := range strings.Split(raw, ",") {
			if url = strings.TrimSpace(url); url != "" {
				endpoints = append(endpoints, soroban.Endpoint{URL: url})
			}
		}
		if len(endpoints) == 0 {
			return nil, errors.New("rpc_urls is empty")
		}
		return endpoints, nil
	}

	var elements []json.RawMessage
	err := json.Unmarshal([]byte(raw), &elements)
	if err != nil {
		return nil, fmt.Errorf("parsing rpc_urls: %w", err)
	}
	if len(elements) == 0 {
		return nil, errors.New("rpc_urls is empty")
	}
	endpoints := make([]soroban.Endpoint, 0, len(elements))
	for _, element := range elements {
		var url string
		if err := json.Unmarshal(element, &url); err == nil {
			endpoints = append(endpoints, soroban.Endpoint{URL: url})
			continue
		}
		var pair []string
		if err := json.Unmarshal(element, &pair); err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("rpc_urls element %s must be a url or a [url, token] pair", element)
		}
		endpoints = append(endpoints, soroban.Endpoint{URL: pair[0], AuthToken: pair[1]})
	}
	return endpoints, nil
}

package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "fedcore"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host      string
		HttpPort  int    `yaml:"httpPort"`
		SslDomain string `yaml:"sslDomain"`
		Database  string `yaml:"database"`
		LogLevel  string `yaml:"logLevel"`
		DevLog    bool   `yaml:"devLog"`
	}
	Federation FederationConf `yaml:"federation"`
	Nats       struct {
		Url     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`
}

// FederationConf tunes the inbound and outbound federation pipelines.
// Durations are kept as strings so they read naturally in yaml ("30s", "24h").
type FederationConf struct {
	Workers         int    `yaml:"workers"`
	MaxAttempts     int    `yaml:"maxAttempts"`
	BaseBackoff     string `yaml:"baseBackoff"`
	ActorTTL        string `yaml:"actorTtl"`
	LedgerRetention string `yaml:"ledgerRetention"`
	LedgerSweep     string `yaml:"ledgerSweep"`
	FetchTimeout    string `yaml:"fetchTimeout"`
	DeliveryTimeout string `yaml:"deliveryTimeout"`
	MaxBodyBytes    int64  `yaml:"maxBodyBytes"`
	// Ledger is "sqlite" (survives restarts) or "memory".
	Ledger string `yaml:"ledger"`
}

const (
	LedgerSqlite = "sqlite"
	LedgerMemory = "memory"
)

func (f FederationConf) BaseBackoffDuration() time.Duration {
	return parseDurationOr(f.BaseBackoff, time.Minute)
}

func (f FederationConf) ActorTTLDuration() time.Duration {
	return parseDurationOr(f.ActorTTL, 24*time.Hour)
}

func (f FederationConf) LedgerRetentionDuration() time.Duration {
	return parseDurationOr(f.LedgerRetention, 7*24*time.Hour)
}

func (f FederationConf) LedgerSweepDuration() time.Duration {
	return parseDurationOr(f.LedgerSweep, time.Hour)
}

func (f FederationConf) FetchTimeoutDuration() time.Duration {
	return parseDurationOr(f.FetchTimeout, 10*time.Second)
}

func (f FederationConf) DeliveryTimeoutDuration() time.Duration {
	return parseDurationOr(f.DeliveryTimeout, 30*time.Second)
}

// LedgerBackend returns the configured dedup ledger backend, defaulting to
// sqlite.
func (f FederationConf) LedgerBackend() (string, error) {
	switch f.Ledger {
	case "", LedgerSqlite:
		return LedgerSqlite, nil
	case LedgerMemory:
		return LedgerMemory, nil
	}
	return "", fmt.Errorf("unknown ledger backend %q", f.Ledger)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		log.Printf("Config: invalid duration %q, using %s", s, fallback)
		return fallback
	}
	return d
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	// Defaults first so a partial config file keeps sane values
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}

	return c, nil
}

func applyEnv(c *AppConfig) error {
	if v := os.Getenv("FEDCORE_HOST"); v != "" {
		c.Conf.Host = v
	}

	if v := os.Getenv("FEDCORE_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FEDCORE_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}

	if v := os.Getenv("FEDCORE_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}

	if v := os.Getenv("FEDCORE_DATABASE"); v != "" {
		c.Conf.Database = v
	}

	if v := os.Getenv("FEDCORE_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}

	if os.Getenv("FEDCORE_DEV_LOG") == "true" {
		c.Conf.DevLog = true
	}

	if v := os.Getenv("FEDCORE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FEDCORE_WORKERS: %w", err)
		}
		c.Federation.Workers = n
	}

	if v := os.Getenv("FEDCORE_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FEDCORE_MAX_ATTEMPTS: %w", err)
		}
		c.Federation.MaxAttempts = n
	}

	if v := os.Getenv("FEDCORE_LEDGER"); v != "" {
		c.Federation.Ledger = v
	}

	if v := os.Getenv("FEDCORE_NATS_URL"); v != "" {
		c.Nats.Url = v
	}

	return nil
}

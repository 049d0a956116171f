package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the gateway falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote validator to connect to on startup.
type SeedPeer struct {
	Address string `json:"address"` // remote validator pubkey hex
	Addr    string `json:"addr"`    // host:port
}

// CommitteeMember is one validator's stake-weighted committee entry.
type CommitteeMember struct {
	Address string `json:"address"` // validator pubkey hex
	Stake   uint64 `json:"stake"`
}

// Config holds all validator configuration.
type Config struct {
	NodeID  string `json:"node_id"`
	DataDir string `json:"data_dir"`
	P2PPort int    `json:"p2p_port"`

	Committee []CommitteeMember `json:"committee"`

	NumWorkers  uint32 `json:"num_workers"`   // 0 -> 4
	MaxGCRounds uint64 `json:"max_gc_rounds"` // 0 -> 50

	SeedPeers []SeedPeer `json:"seed_peers,omitempty"`
	TLS       *TLSConfig `json:"tls,omitempty"` // nil -> plain TCP
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:      "validator0",
		DataDir:     "./data",
		P2PPort:     30303,
		NumWorkers:  4,
		MaxGCRounds: 50,
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = 4
	}
	if cfg.MaxGCRounds == 0 {
		cfg.MaxGCRounds = 50
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if len(c.Committee) == 0 {
		return fmt.Errorf("committee must not be empty")
	}
	seen := make(map[string]bool, len(c.Committee))
	for i, m := range c.Committee {
		b, err := hex.DecodeString(m.Address)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("committee[%d]: address must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, m.Address)
		}
		if m.Stake == 0 {
			return fmt.Errorf("committee[%d]: stake must be nonzero", i)
		}
		if seen[m.Address] {
			return fmt.Errorf("committee[%d]: duplicate address %q", i, m.Address)
		}
		seen[m.Address] = true
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Stakes returns the committee as a map suitable for core.NewCommittee.
func (c *Config) Stakes() map[string]uint64 {
	out := make(map[string]uint64, len(c.Committee))
	for _, m := range c.Committee {
		out[m.Address] = m.Stake
	}
	return out
}

package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMember(addr byte) CommitteeMember {
	return CommitteeMember{Address: strings.Repeat(string("0123456789abcdef"[addr%16]), 64), Stake: 10}
}

func TestDefaultConfigFailsValidationWithoutCommittee(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "default config has no committee members")
}

func TestValidateRejectsBadAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Committee = []CommitteeMember{{Address: "not-hex", Stake: 10}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroStake(t *testing.T) {
	cfg := DefaultConfig()
	m := validMember(1)
	m.Stake = 0
	cfg.Committee = []CommitteeMember{m}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateAddress(t *testing.T) {
	cfg := DefaultConfig()
	m := validMember(1)
	cfg.Committee = []CommitteeMember{m, m}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsPartialTLSConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Committee = []CommitteeMember{validMember(1)}
	cfg.TLS = &TLSConfig{CACert: "ca.pem"}
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Committee = []CommitteeMember{validMember(1), validMember(2)}
	assert.NoError(t, cfg.Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Committee = []CommitteeMember{validMember(1), validMember(2)}
	path := filepath.Join(t.TempDir(), "config.json")

	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.NodeID, loaded.NodeID)
	assert.Equal(t, len(cfg.Committee), len(loaded.Committee))
	assert.Equal(t, cfg.Stakes(), loaded.Stakes())
}

func TestLoadAppliesDefaultsForZeroFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(&Config{
		NodeID:    "validator1",
		DataDir:   "./data",
		P2PPort:   30303,
		Committee: []CommitteeMember{validMember(1)},
	}, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), loaded.NumWorkers)
	assert.Equal(t, uint64(50), loaded.MaxGCRounds)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

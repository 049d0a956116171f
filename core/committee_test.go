package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fourValidatorCommittee() *Committee {
	return NewCommittee(1, map[string]uint64{
		"a": 25, "b": 25, "c": 25, "d": 25,
	})
}

func TestCommitteeThresholds(t *testing.T) {
	c := fourValidatorCommittee()
	assert.Equal(t, uint64(100), c.TotalStake())
	assert.Equal(t, uint64(67), c.QuorumThreshold())
	assert.Equal(t, uint64(34), c.AvailabilityThreshold())
}

func TestCommitteeLeaderIsDeterministic(t *testing.T) {
	c := fourValidatorCommittee()
	for round := uint64(0); round < 20; round++ {
		l1 := c.Leader(round)
		l2 := c.Leader(round)
		assert.Equal(t, l1, l2)
		assert.True(t, c.IsMember(l1))
	}
}

func TestCommitteeMemberIndexStable(t *testing.T) {
	c := fourValidatorCommittee()
	idx := make(map[string]int)
	for _, addr := range []string{"a", "b", "c", "d"} {
		idx[addr] = c.MemberIndex(addr)
	}
	for _, addr := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, idx[addr], c.MemberIndex(addr))
	}
	assert.Equal(t, -1, c.MemberIndex("unknown"))
}

func TestCommitteeStakeUnknownMemberIsZero(t *testing.T) {
	c := fourValidatorCommittee()
	assert.Equal(t, uint64(0), c.Stake("unknown"))
	assert.False(t, c.IsMember("unknown"))
}

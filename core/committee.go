package core

import (
	"fmt"
	"sort"
)

// Committee maps validator address to stake for a single round's lookback
// snapshot. Members is a map; orderedMembers derives a stable
// stake-then-address order from it so that Leader(round) is a pure function
// reproducible by every honest validator from the same Committee value.
type Committee struct {
	Round   uint64
	Members map[string]uint64 // validator address (pubkey hex) -> stake
}

// NewCommittee builds a Committee for round from a stake map. The map is
// copied so the caller's map can be mutated afterwards without affecting
// the committee snapshot.
func NewCommittee(round uint64, stakes map[string]uint64) *Committee {
	cp := make(map[string]uint64, len(stakes))
	for addr, stake := range stakes {
		cp[addr] = stake
	}
	return &Committee{Round: round, Members: cp}
}

// TotalStake sums the stake of every member.
func (c *Committee) TotalStake() uint64 {
	var total uint64
	for _, s := range c.Members {
		total += s
	}
	return total
}

// QuorumThreshold returns floor(2*total/3) + 1.
func (c *Committee) QuorumThreshold() uint64 {
	return (2*c.TotalStake())/3 + 1
}

// AvailabilityThreshold returns floor(total/3) + 1.
func (c *Committee) AvailabilityThreshold() uint64 {
	return c.TotalStake()/3 + 1
}

// ID returns the committee-lookback's identifier, embedded in every batch
// header its round produces so a verifier can detect a stale or mismatched
// lookback without re-deriving it.
func (c *Committee) ID() string {
	return fmt.Sprintf("committee-%d", c.Round)
}

// Stake returns the stake of addr, or 0 if it is not a member.
func (c *Committee) Stake(addr string) uint64 {
	return c.Members[addr]
}

// IsMember reports whether addr belongs to the committee.
func (c *Committee) IsMember(addr string) bool {
	_, ok := c.Members[addr]
	return ok
}

// orderedMembers returns committee addresses sorted by (stake desc, address
// asc) — the same deterministic order on every validator.
func (c *Committee) orderedMembers() []string {
	addrs := make([]string, 0, len(c.Members))
	for addr := range c.Members {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		si, sj := c.Members[addrs[i]], c.Members[addrs[j]]
		if si != sj {
			return si > sj
		}
		return addrs[i] < addrs[j]
	})
	return addrs
}

// MemberIndex returns the stable index of addr within the committee's
// deterministic member order, used to key per-signer bitsets in Proposal.
// Returns -1 if addr is not a member.
func (c *Committee) MemberIndex(addr string) int {
	for i, a := range c.orderedMembers() {
		if a == addr {
			return i
		}
	}
	return -1
}

// Leader returns the committee member selected to anchor the given round.
// It is a deterministic, stateless function of (round, stable member order,
// stake weights): the round number, multiplied by a fixed constant and taken
// modulo total stake, selects a slot, and the member whose cumulative-stake
// range covers that slot leads, so it is reproducible by any validator
// holding the same Committee snapshot without caching anything across rounds.
func (c *Committee) Leader(round uint64) string {
	members := c.orderedMembers()
	if len(members) == 0 {
		return ""
	}
	total := c.TotalStake()
	if total == 0 {
		return members[round%uint64(len(members))]
	}
	// Deterministic pseudo-random seed derived only from the round number,
	// weighted by stake share.
	target := (round * 2654435761) % total
	var acc uint64
	for _, addr := range members {
		acc += c.Members[addr]
		if target < acc {
			return addr
		}
	}
	return members[len(members)-1]
}

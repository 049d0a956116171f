package bft

import "github.com/tolelom/dagbft/core"

// Subdag is a round-indexed, DFS-ordered set of certificates committed
// together under one leader certificate.
type Subdag struct {
	AnchorRound  uint64
	Certificates map[uint64][]*core.BatchCertificate
}

// Rounds returns the subdag's rounds in ascending order.
func (s *Subdag) Rounds() []uint64 {
	out := make([]uint64, 0, len(s.Certificates))
	for r := range s.Certificates {
		out = append(out, r)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

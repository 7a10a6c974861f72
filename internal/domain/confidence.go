package domain

import "math"

// decayPerFlag is the multiplicative penalty applied per outdated or
// incorrect vote
const decayPerFlag = 0.8

// ComputeConfidence derives the confidence scalar from a vote tally.
//
// The base score is a Laplace-smoothed helpful ratio so a fresh entry with
// no votes starts at 0.5. Outdated and incorrect votes decay the score
// multiplicatively rather than offsetting it, so repeated staleness flags
// drive confidence toward zero without ever going negative:
//
//	confidence = (1 + helpful) / (2 + helpful + unhelpful) * 0.8^(outdated + incorrect)
//
// The result is deterministic, monotonically increasing in helpful votes
// and decreasing in the other three, and always in [0, 1].
func ComputeConfidence(t VoteTally) float64 {
	base := float64(1+t.Helpful) / float64(2+t.Helpful+t.Unhelpful)
	decay := math.Pow(decayPerFlag, float64(t.Outdated+t.Incorrect))
	return base * decay
}

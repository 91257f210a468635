package memory

// Confidence smoothing uses a Beta(alpha0, beta0) prior over the
// correct/total feedback counts:
//
//	confidence = (correct + alpha0) / (total + alpha0 + beta0)
//
// The prior has mean 0.8 and weight 5, so a handful of observations
// cannot swing confidence wildly: a memory at 8 correct of 10 scores
// exactly 0.8, and a single negative observation moves it to 0.75,
// below the old score but above the raw 8/11 ratio. The constants are
// a tuning choice, not a correctness requirement.
const (
	priorAlpha = 4.0
	priorBeta  = 1.0
)

// InitialConfidence is assigned to memories created from a first
// feedback-derived lesson, before any reinforcement has happened.
const InitialConfidence = 0.6

// SmoothedConfidence computes the Bayesian-smoothed confidence for the
// given feedback counts. The result is always within [0, 1] for
// correct ≤ total.
func SmoothedConfidence(correct, total int64) float64 {
	return (float64(correct) + priorAlpha) / (float64(total) + priorAlpha + priorBeta)
}

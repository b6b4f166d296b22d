package exchange

import (
	"math/rand"
	"time"
)

// RandomSource provides random values for jitter calculation.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

// defaultRandomSource uses math/rand for production.
type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// ShouldRetry advances the exponential backoff after a timeout.
//
// It decrements retries; if retries is still positive it doubles timeout
// and returns true, otherwise it returns false and the sender gives up.
// Starting from MaxRetransmit+1 retries this allows exactly MaxRetransmit
// retransmissions.
func ShouldRetry(retries *int, timeout *time.Duration) bool {
	*retries--
	if *retries > 0 {
		*timeout *= 2
		return true
	}
	return false
}

// RandomInitialTimeout draws the first timeout uniformly from
// [ACK_TIMEOUT, ACK_TIMEOUT*ACK_RANDOM_FACTOR] (RFC 7252 Section 4.2).
// A nil random source returns the deterministic InitialTimeout.
func (p TransmissionParameters) RandomInitialTimeout(random RandomSource) time.Duration {
	if random == nil {
		return p.InitialTimeout()
	}
	spread := float64(p.AckTimeout) * (p.AckRandomFactor - 1)
	return p.AckTimeout + time.Duration(random.Float64()*spread)
}

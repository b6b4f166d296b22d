package exchange

import (
	"fmt"
	"time"
)

// Default transmission parameters from RFC 7252 Section 4.8.
const (
	DefaultAckTimeout      = 2 * time.Second
	DefaultAckRandomFactor = 1.5
	DefaultMaxRetransmit   = 4
	DefaultNStart          = 1

	// DefaultMaxLatency is the maximum time a datagram is expected to take
	// from start of transmission to completion of reception (Section 4.8.2).
	DefaultMaxLatency = 100 * time.Second
)

// NoRetransmit disables retransmission of confirmable messages. A zero
// MaxRetransmit means DefaultMaxRetransmit.
const NoRetransmit = -1

// RetransmitCount converts an explicit retransmission count, as read from a
// flag or the environment, into a MaxRetransmit value. Zero becomes
// NoRetransmit.
func RetransmitCount(n int) int {
	if n == 0 {
		return NoRetransmit
	}
	return n
}

// TransmissionParameters configures message reliability.
//
// The four base values may be overridden; everything else is derived on
// read. A value equal to DefaultTransmissionParameters returns precomputed
// results.
type TransmissionParameters struct {
	AckTimeout      time.Duration
	AckRandomFactor float64

	// MaxRetransmit defaults to DefaultMaxRetransmit when zero; set
	// NoRetransmit to send a confirmable message exactly once.
	MaxRetransmit int

	NStart int

	// MaxLatency defaults to DefaultMaxLatency when zero.
	MaxLatency time.Duration

	// ProcessingDelay defaults to AckTimeout when zero.
	ProcessingDelay time.Duration
}

// DefaultTransmissionParameters returns the RFC 7252 defaults.
func DefaultTransmissionParameters() TransmissionParameters {
	return TransmissionParameters{
		AckTimeout:      DefaultAckTimeout,
		AckRandomFactor: DefaultAckRandomFactor,
		MaxRetransmit:   DefaultMaxRetransmit,
		NStart:          DefaultNStart,
	}
}

type derivedTimes struct {
	span, wait, rtt, exchangeLifetime, nonLifetime, initialTimeout time.Duration
}

var defaultDerived = DefaultTransmissionParameters().compute()

// WithDefaults returns p with zero fields replaced by defaults.
func (p TransmissionParameters) WithDefaults() TransmissionParameters {
	d := DefaultTransmissionParameters()
	if p.AckTimeout == 0 {
		p.AckTimeout = d.AckTimeout
	}
	if p.AckRandomFactor == 0 {
		p.AckRandomFactor = d.AckRandomFactor
	}
	if p.MaxRetransmit == 0 {
		p.MaxRetransmit = d.MaxRetransmit
	}
	if p.NStart == 0 {
		p.NStart = d.NStart
	}
	return p
}

// Validate rejects parameters that would disable reliability.
func (p TransmissionParameters) Validate() error {
	switch {
	case p.AckTimeout <= 0:
		return fmt.Errorf("%w: ACK_TIMEOUT %v", ErrInvalidParameters, p.AckTimeout)
	case p.AckRandomFactor < 1:
		return fmt.Errorf("%w: ACK_RANDOM_FACTOR %v", ErrInvalidParameters, p.AckRandomFactor)
	case p.MaxRetransmit < NoRetransmit:
		return fmt.Errorf("%w: MAX_RETRANSMIT %d", ErrInvalidParameters, p.MaxRetransmit)
	case p.NStart < 1:
		return fmt.Errorf("%w: NSTART %d", ErrInvalidParameters, p.NStart)
	case p.MaxLatency < 0 || p.ProcessingDelay < 0:
		return fmt.Errorf("%w: negative latency", ErrInvalidParameters)
	}
	return nil
}

// IsDefault reports whether p equals the RFC 7252 defaults.
func (p TransmissionParameters) IsDefault() bool {
	return p.effective() == DefaultTransmissionParameters().effective()
}

func (p TransmissionParameters) effective() TransmissionParameters {
	if p.MaxLatency == 0 {
		p.MaxLatency = DefaultMaxLatency
	}
	if p.ProcessingDelay == 0 {
		p.ProcessingDelay = p.AckTimeout
	}
	return p
}

func (p TransmissionParameters) derived() derivedTimes {
	if p.IsDefault() {
		return defaultDerived
	}
	return p.compute()
}

func (p TransmissionParameters) compute() derivedTimes {
	e := p.effective()
	var d derivedTimes
	d.span = e.backoffSum(e.retransmits())
	d.wait = e.backoffSum(e.retransmits() + 1)
	d.rtt = 2*e.MaxLatency + e.ProcessingDelay
	d.exchangeLifetime = d.span + d.rtt
	d.nonLifetime = d.span + e.MaxLatency
	d.initialTimeout = time.Duration(float64(e.AckTimeout)*e.AckRandomFactor) + time.Millisecond
	return d
}

// retransmits is the number of retransmissions after the first transmission.
func (p TransmissionParameters) retransmits() int {
	if p.MaxRetransmit < 0 {
		return 0
	}
	return p.MaxRetransmit
}

// backoffSum returns the sum of ACK_TIMEOUT*2^i*ACK_RANDOM_FACTOR for i in [0, n).
func (p TransmissionParameters) backoffSum(n int) time.Duration {
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(p.AckTimeout) * float64(uint64(1)<<uint(i))
	}
	return time.Duration(sum * p.AckRandomFactor)
}

// MaxTransmitSpan is the maximum time from the first transmission of a
// confirmable message to its last retransmission.
func (p TransmissionParameters) MaxTransmitSpan() time.Duration { return p.derived().span }

// MaxTransmitWait is the maximum time from the first transmission of a
// confirmable message to the time when the sender gives up.
func (p TransmissionParameters) MaxTransmitWait() time.Duration { return p.derived().wait }

// MaxRTT is the maximum round-trip time: 2*MAX_LATENCY + PROCESSING_DELAY.
func (p TransmissionParameters) MaxRTT() time.Duration { return p.derived().rtt }

// ExchangeLifetime is the time a message ID stays in use for duplicate
// detection after the first transmission of a confirmable message.
func (p TransmissionParameters) ExchangeLifetime() time.Duration {
	return p.derived().exchangeLifetime
}

// NonLifetime is the time a message ID of a non-confirmable message stays
// in use.
func (p TransmissionParameters) NonLifetime() time.Duration { return p.derived().nonLifetime }

// InitialTimeout is the first retransmission timeout: the upper bound
// ACK_TIMEOUT*ACK_RANDOM_FACTOR plus one millisecond.
func (p TransmissionParameters) InitialTimeout() time.Duration {
	return p.derived().initialTimeout
}

package exchange

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultDerivedParameters(t *testing.T) {
	p := DefaultTransmissionParameters()

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"MaxTransmitSpan", p.MaxTransmitSpan(), 45 * time.Second},
		{"MaxTransmitWait", p.MaxTransmitWait(), 93 * time.Second},
		{"MaxRTT", p.MaxRTT(), 202 * time.Second},
		{"ExchangeLifetime", p.ExchangeLifetime(), 247 * time.Second},
		{"NonLifetime", p.NonLifetime(), 145 * time.Second},
		{"InitialTimeout", p.InitialTimeout(), 3*time.Second + time.Millisecond},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
			}
		})
	}
}

func TestCustomDerivedParameters(t *testing.T) {
	p := TransmissionParameters{
		AckTimeout:      10 * time.Millisecond,
		AckRandomFactor: 1,
		MaxRetransmit:   2,
		NStart:          1,
		MaxLatency:      50 * time.Millisecond,
	}

	if p.IsDefault() {
		t.Fatal("IsDefault() = true, want false")
	}
	// 10 + 20
	if got := p.MaxTransmitSpan(); got != 30*time.Millisecond {
		t.Errorf("MaxTransmitSpan() = %v, want 30ms", got)
	}
	// 10 + 20 + 40
	if got := p.MaxTransmitWait(); got != 70*time.Millisecond {
		t.Errorf("MaxTransmitWait() = %v, want 70ms", got)
	}
	// 2*50 + 10
	if got := p.MaxRTT(); got != 110*time.Millisecond {
		t.Errorf("MaxRTT() = %v, want 110ms", got)
	}
	if got := p.ExchangeLifetime(); got != 140*time.Millisecond {
		t.Errorf("ExchangeLifetime() = %v, want 140ms", got)
	}
	if got := p.NonLifetime(); got != 80*time.Millisecond {
		t.Errorf("NonLifetime() = %v, want 80ms", got)
	}
	if got := p.InitialTimeout(); got != 11*time.Millisecond {
		t.Errorf("InitialTimeout() = %v, want 11ms", got)
	}
}

func TestIsDefault(t *testing.T) {
	if !DefaultTransmissionParameters().IsDefault() {
		t.Error("DefaultTransmissionParameters().IsDefault() = false, want true")
	}

	explicit := DefaultTransmissionParameters()
	explicit.MaxLatency = DefaultMaxLatency
	explicit.ProcessingDelay = DefaultAckTimeout
	if !explicit.IsDefault() {
		t.Error("IsDefault() with explicit latency defaults = false, want true")
	}

	if !(TransmissionParameters{}).WithDefaults().IsDefault() {
		t.Error("zero.WithDefaults().IsDefault() = false, want true")
	}
}

func TestValidate(t *testing.T) {
	valid := DefaultTransmissionParameters()

	tests := []struct {
		name   string
		mutate func(p *TransmissionParameters)
	}{
		{"zero ack timeout", func(p *TransmissionParameters) { p.AckTimeout = 0 }},
		{"factor below one", func(p *TransmissionParameters) { p.AckRandomFactor = 0.5 }},
		{"negative retransmit", func(p *TransmissionParameters) { p.MaxRetransmit = -2 }},
		{"zero nstart", func(p *TransmissionParameters) { p.NStart = 0 }},
		{"negative latency", func(p *TransmissionParameters) { p.MaxLatency = -time.Second }},
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on defaults = %v, want nil", err)
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := valid
			tc.mutate(&p)
			if err := p.Validate(); !errors.Is(err, ErrInvalidParameters) {
				t.Errorf("Validate() = %v, want ErrInvalidParameters", err)
			}
		})
	}
}

func TestNoRetransmit(t *testing.T) {
	p := TransmissionParameters{
		AckTimeout:      10 * time.Millisecond,
		AckRandomFactor: 1,
		MaxRetransmit:   NoRetransmit,
		MaxLatency:      50 * time.Millisecond,
	}.WithDefaults()

	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	if p.MaxRetransmit != NoRetransmit {
		t.Errorf("WithDefaults().MaxRetransmit = %d, want %d", p.MaxRetransmit, NoRetransmit)
	}
	if again := p.WithDefaults(); again.MaxRetransmit != NoRetransmit {
		t.Errorf("WithDefaults() twice: MaxRetransmit = %d, want %d", again.MaxRetransmit, NoRetransmit)
	}
	if got := p.MaxTransmitSpan(); got != 0 {
		t.Errorf("MaxTransmitSpan() = %v, want 0", got)
	}
	if got := p.MaxTransmitWait(); got != 10*time.Millisecond {
		t.Errorf("MaxTransmitWait() = %v, want 10ms", got)
	}
	if got := p.ExchangeLifetime(); got != 110*time.Millisecond {
		t.Errorf("ExchangeLifetime() = %v, want 110ms", got)
	}
}

func TestRetransmitCount(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, NoRetransmit},
		{1, 1},
		{4, 4},
	}
	for _, tc := range tests {
		if got := RetransmitCount(tc.in); got != tc.want {
			t.Errorf("RetransmitCount(%d) = %d, want %d", tc.in, got, tc.want)
		}
		p := TransmissionParameters{MaxRetransmit: RetransmitCount(tc.in)}.WithDefaults()
		if got := p.retransmits(); got != tc.in {
			t.Errorf("retransmits() for count %d = %d, want %d", tc.in, got, tc.in)
		}
	}
}

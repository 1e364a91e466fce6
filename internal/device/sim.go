package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// defaultBufferBytes matches the transfer size common USB SDRs hand to
	// their callbacks.
	defaultBufferBytes = 262144

	minInterval = time.Millisecond
)

// Sim is a Receiver that synthesizes IQ buffers at the cadence implied by the
// tuned sample rate. It exercises the exact callback contract of a hardware
// receiver: a dedicated delivery goroutine, buffer reuse across invocations,
// and silent stop when the callback returns Stop.
type Sim struct {
	bufLen int

	mu        sync.Mutex
	opened    bool
	streaming bool
	params    Params
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
	delivered uint64
}

// NewSim creates a simulated receiver. bufLen <= 0 selects the default
// transfer size.
func NewSim(bufLen int) *Sim {
	if bufLen <= 0 {
		bufLen = defaultBufferBytes
	}
	return &Sim{bufLen: bufLen, interval: 50 * time.Millisecond}
}

// Open marks the device as available. Idempotent.
func (s *Sim) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		slog.Warn("sim receiver already open")
		return nil
	}
	s.opened = true
	slog.Info("sim receiver opened", "buffer_bytes", s.bufLen)
	return nil
}

// Tune stores the receiver parameters and derives the buffer cadence from the
// sample rate (2 bytes per complex sample, interleaved I/Q).
func (s *Sim) Tune(p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return ErrNotOpen
	}
	if p.SampleRateHz == 0 {
		return fmt.Errorf("device: sample rate must be > 0")
	}

	s.params = p
	interval := time.Duration(float64(s.bufLen) / (2 * float64(p.SampleRateHz)) * float64(time.Second))
	if interval < minInterval {
		interval = minInterval
	}
	s.interval = interval

	slog.Info("sim receiver tuned",
		"frequency_hz", p.CenterFrequencyHz,
		"sample_rate_hz", p.SampleRateHz,
		"filter_bandwidth_hz", p.FilterBandwidthHz,
		"lna_gain_db", p.LNAGainDB,
		"vga_gain_db", p.VGAGainDB,
		"buffer_interval", interval,
	)
	return nil
}

// StartRX begins delivering buffers to fn on a dedicated goroutine.
func (s *Sim) StartRX(fn SampleFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return ErrNotOpen
	}
	if s.streaming {
		return ErrAlreadyStreaming
	}

	s.streaming = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.deliver(fn, s.stopCh, s.interval)

	slog.Info("sim receiver streaming started", "interval", s.interval)
	return nil
}

// deliver is the device runtime goroutine. The buffer is reused between
// callbacks, the way hardware transfer buffers are.
func (s *Sim) deliver(fn SampleFunc, stopCh chan struct{}, interval time.Duration) {
	defer s.wg.Done()

	buf := make([]byte, s.bufLen)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n uint64
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			n++
			fill(buf, n)

			s.mu.Lock()
			s.delivered++
			s.mu.Unlock()

			if fn(buf) == Stop {
				// Mirror hardware behavior: the callback halted the stream,
				// the device just stops invoking it.
				s.mu.Lock()
				s.streaming = false
				s.mu.Unlock()
				slog.Debug("sim receiver stopped by callback", "buffers_delivered", n)
				return
			}
		}
	}
}

// fill writes a recognizable deterministic pattern so published payloads can
// be eyeballed on the wire.
func fill(buf []byte, seed uint64) {
	for i := range buf {
		buf[i] = byte(seed) + byte(i)
	}
}

// StopRX halts buffer delivery. Calling it while not streaming is a no-op.
func (s *Sim) StopRX() error {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return nil
	}
	s.streaming = false
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()
	slog.Info("sim receiver streaming stopped")
	return nil
}

// Streaming reports whether the delivery goroutine is active.
func (s *Sim) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Close stops streaming if active and releases the device. Safe to call even
// if Open never succeeded.
func (s *Sim) Close() error {
	if err := s.StopRX(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	slog.Info("sim receiver closed", "buffers_delivered", s.delivered)
	return nil
}

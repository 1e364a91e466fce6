// Package device defines the contract the bridge needs from an SDR receiver
// and provides a simulated implementation for development without hardware.
package device

import "errors"

var (
	ErrNotOpen          = errors.New("device: not open")
	ErrAlreadyStreaming = errors.New("device: already streaming")
)

// Flow is the verdict a sample callback returns to the device runtime.
type Flow int

const (
	// Continue keeps the device delivering buffers.
	Continue Flow = iota
	// Stop tells the device runtime to halt callback delivery.
	Stop
)

// SampleFunc is invoked by the device runtime on its own goroutine, once per
// filled buffer. The buffer is owned by the device and only valid for the
// duration of the call; implementations must copy what they keep and must
// not block.
type SampleFunc func(buf []byte) Flow

// Params are the receiver settings programmed before streaming starts.
type Params struct {
	CenterFrequencyHz uint64
	SampleRateHz      uint32
	FilterBandwidthHz uint32
	LNAGainDB         uint32 // 0-40 dB in 8 dB steps
	VGAGainDB         uint32 // 0-62 dB in 2 dB steps
}

// Receiver is a capture device delivering fixed-size sample buffers through a
// registered callback. Open and Tune must succeed before StartRX; Close is
// safe to call at any point, including before a successful Open.
type Receiver interface {
	Open() error
	Tune(p Params) error
	// StartRX registers fn and begins invoking it per buffer on the device's
	// own goroutine, until StopRX or fn returns Stop.
	StartRX(fn SampleFunc) error
	StopRX() error
	// Streaming reports the device's own view of callback delivery. The
	// device may stop silently (fn returned Stop), so callers reconcile this
	// with their expected state on every transition.
	Streaming() bool
	Close() error
}

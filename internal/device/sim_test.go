package device

import (
	"sync/atomic"
	"testing"
	"time"
)

func openTunedSim(t *testing.T) *Sim {
	t.Helper()
	s := NewSim(64)
	if err := s.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Tune(Params{SampleRateHz: 2_000_000, CenterFrequencyHz: 2_400_000_000}); err != nil {
		t.Fatalf("Tune failed: %v", err)
	}
	return s
}

func TestSimDeliversBuffers(t *testing.T) {
	s := openTunedSim(t)
	defer s.Close()

	got := make(chan int, 1)
	err := s.StartRX(func(buf []byte) Flow {
		select {
		case got <- len(buf):
		default:
		}
		return Continue
	})
	if err != nil {
		t.Fatalf("StartRX failed: %v", err)
	}

	select {
	case n := <-got:
		if n != 64 {
			t.Errorf("expected 64-byte buffer, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no buffer delivered within 1s")
	}

	if !s.Streaming() {
		t.Fatal("Streaming() false while delivering")
	}
}

func TestTuneRequiresOpen(t *testing.T) {
	s := NewSim(64)
	if err := s.Tune(Params{SampleRateHz: 1_000_000}); err != ErrNotOpen {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if err := s.StartRX(func([]byte) Flow { return Continue }); err != ErrNotOpen {
		t.Fatalf("expected ErrNotOpen from StartRX, got %v", err)
	}
}

func TestStartRXWhileStreaming(t *testing.T) {
	s := openTunedSim(t)
	defer s.Close()

	if err := s.StartRX(func([]byte) Flow { return Continue }); err != nil {
		t.Fatalf("StartRX failed: %v", err)
	}
	if err := s.StartRX(func([]byte) Flow { return Continue }); err != ErrAlreadyStreaming {
		t.Fatalf("expected ErrAlreadyStreaming, got %v", err)
	}
}

func TestStopRXIdempotent(t *testing.T) {
	s := openTunedSim(t)
	defer s.Close()

	if err := s.StartRX(func([]byte) Flow { return Continue }); err != nil {
		t.Fatalf("StartRX failed: %v", err)
	}
	if err := s.StopRX(); err != nil {
		t.Fatalf("StopRX failed: %v", err)
	}
	if s.Streaming() {
		t.Fatal("still streaming after StopRX")
	}
	// Second stop is a no-op.
	if err := s.StopRX(); err != nil {
		t.Fatalf("second StopRX failed: %v", err)
	}
}

// TestCallbackStopHaltsDelivery verifies a Stop verdict silently halts the
// stream, the way hardware runtimes behave.
func TestCallbackStopHaltsDelivery(t *testing.T) {
	s := openTunedSim(t)
	defer s.Close()

	var calls atomic.Int64
	err := s.StartRX(func([]byte) Flow {
		calls.Add(1)
		return Stop
	})
	if err != nil {
		t.Fatalf("StartRX failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for s.Streaming() {
		if time.Now().After(deadline) {
			t.Fatal("device still streaming after callback returned Stop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != n {
		t.Fatal("callback invoked after Stop verdict")
	}
}

func TestCloseWithoutOpen(t *testing.T) {
	s := NewSim(64)
	if err := s.Close(); err != nil {
		t.Fatalf("Close on never-opened device failed: %v", err)
	}
}

func TestRestartAfterStop(t *testing.T) {
	s := openTunedSim(t)
	defer s.Close()

	if err := s.StartRX(func([]byte) Flow { return Continue }); err != nil {
		t.Fatalf("StartRX failed: %v", err)
	}
	if err := s.StopRX(); err != nil {
		t.Fatalf("StopRX failed: %v", err)
	}

	got := make(chan struct{}, 1)
	err := s.StartRX(func([]byte) Flow {
		select {
		case got <- struct{}{}:
		default:
		}
		return Continue
	})
	if err != nil {
		t.Fatalf("restart StartRX failed: %v", err)
	}
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("no buffer after restart")
	}
}

package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/e7canasta/sdrbridge/internal/chunkqueue"
	"github.com/e7canasta/sdrbridge/internal/config"
	"github.com/e7canasta/sdrbridge/internal/device"
	"github.com/e7canasta/sdrbridge/internal/emitter"
	"github.com/e7canasta/sdrbridge/internal/metrics"
)

// fakeReceiver implements device.Receiver with a test-driven buffer source.
type fakeReceiver struct {
	mu         sync.Mutex
	opened     bool
	streaming  bool
	fn         device.SampleFunc
	openErr    error
	tuneErr    error
	startErr   error
	startCalls int
	stopCalls  int
}

func (f *fakeReceiver) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeReceiver) Tune(device.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tuneErr
}

func (f *fakeReceiver) StartRX(fn device.SampleFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.streaming = true
	f.fn = fn
	return nil
}

func (f *fakeReceiver) StopRX() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.streaming = false
	f.fn = nil
	return nil
}

func (f *fakeReceiver) Streaming() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaming
}

func (f *fakeReceiver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming = false
	f.opened = false
	return nil
}

// emit plays the role of the device runtime delivering one buffer.
func (f *fakeReceiver) emit(buf []byte) {
	f.mu.Lock()
	fn := f.fn
	streaming := f.streaming
	f.mu.Unlock()
	if !streaming || fn == nil {
		return
	}
	if fn(buf) == device.Stop {
		f.mu.Lock()
		f.streaming = false
		f.mu.Unlock()
	}
}

func (f *fakeReceiver) setStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *fakeReceiver) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stopCalls
}

// fakeTransport implements Transport in memory.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	downFor    time.Duration
	published  []fakeMessage
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) DisconnectedFor() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return 0
	}
	return f.downFor
}

func (f *fakeTransport) Publish(topic string, payload []byte, _ byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return emitter.ErrNotConnected
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.published = append(f.published, fakeMessage{topic: topic, payload: cp})
	return nil
}

func (f *fakeTransport) Handle(string, byte, func([]byte)) {}
func (f *fakeTransport) Unsubscribe(string) error          { return nil }

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeTransport) setDownFor(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.downFor = d
}

func (f *fakeTransport) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func testBridge(t *testing.T) (*Bridge, *fakeReceiver, *fakeTransport) {
	t.Helper()
	cfg := &config.Config{
		InstanceID: "test-rx",
		MQTT:       config.MQTTConfig{Broker: "localhost:1883"},
		Queue:      config.QueueConfig{Capacity: 4},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("config invalid: %v", err)
	}

	dev := &fakeReceiver{}
	tp := &fakeTransport{}
	m := metrics.New(prometheus.NewRegistry())
	return New(cfg, dev, tp, m), dev, tp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startBridge runs the bridge until streaming and returns the Run error
// channel.
func startBridge(t *testing.T, b *Bridge) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()
	waitFor(t, "streaming state", func() bool { return b.State() == StateStreaming })
	return cancel, errCh
}

func shutdownBridge(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestRunPublishesCapturedChunks(t *testing.T) {
	b, dev, tp := testBridge(t)
	cancel, errCh := startBridge(t, b)
	defer cancel()

	dev.emit([]byte{1, 2, 3, 4})
	waitFor(t, "chunk published", func() bool { return tp.publishCount() >= 1 })

	tp.mu.Lock()
	msg := tp.published[0]
	tp.mu.Unlock()
	if msg.topic != b.cfg.MQTT.Topics.Data {
		t.Errorf("published to %q, want %q", msg.topic, b.cfg.MQTT.Topics.Data)
	}
	if string(msg.payload) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("payload altered in flight: %v", msg.payload)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	shutdownBridge(t, b)

	if dev.Streaming() {
		t.Fatal("device still streaming after shutdown")
	}
	if tp.IsConnected() {
		t.Fatal("transport still connected after shutdown")
	}
}

func TestPauseResumeIdempotent(t *testing.T) {
	b, dev, _ := testBridge(t)
	cancel, _ := startBridge(t, b)
	defer cancel()
	defer shutdownBridge(t, b)

	if err := b.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if b.State() != StatePaused || dev.Streaming() {
		t.Fatal("not paused after PAUSE")
	}

	// Second pause is a no-op, not an error.
	if err := b.Pause(); err != nil {
		t.Fatalf("repeated pause errored: %v", err)
	}
	if _, stops := dev.counts(); stops != 1 {
		t.Fatalf("expected exactly 1 device stop, got %d", stops)
	}

	if err := b.Resume(); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if b.State() != StateStreaming || !dev.Streaming() {
		t.Fatal("not streaming after RESUME")
	}

	if err := b.Resume(); err != nil {
		t.Fatalf("repeated resume errored: %v", err)
	}
	if starts, _ := dev.counts(); starts != 2 {
		t.Fatalf("expected exactly 2 device starts (initial + resume), got %d", starts)
	}
}

func TestResumeFailureLeavesPaused(t *testing.T) {
	b, dev, _ := testBridge(t)
	cancel, _ := startBridge(t, b)
	defer cancel()
	defer shutdownBridge(t, b)

	if err := b.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	dev.setStartErr(errors.New("usb transfer setup failed"))
	if err := b.Resume(); err == nil {
		t.Fatal("expected resume error")
	}
	if b.State() != StatePaused || dev.Streaming() {
		t.Fatal("state changed despite failed resume")
	}

	// Operator retries once the device recovers.
	dev.setStartErr(nil)
	if err := b.Resume(); err != nil {
		t.Fatalf("retry resume failed: %v", err)
	}
	if b.State() != StateStreaming {
		t.Fatal("not streaming after successful retry")
	}
}

func TestPauseDiscardsQueuedChunks(t *testing.T) {
	b, dev, _ := testBridge(t)
	b.running.Store(true)
	if err := dev.Open(); err != nil {
		t.Fatal(err)
	}
	if err := b.startStreaming(); err != nil {
		t.Fatal(err)
	}

	// No consumer running: chunks pile up in the queue.
	dev.emit([]byte{1})
	dev.emit([]byte{2})
	if b.queue.Len() != 2 {
		t.Fatalf("expected 2 queued chunks, got %d", b.queue.Len())
	}

	if err := b.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if !b.queue.Empty() {
		t.Fatalf("queue not drained on pause, %d left", b.queue.Len())
	}
}

// TestConsumerDropsWhileDisconnected covers a pause issued while the broker
// is away: queued chunks are discarded by the consumer as "not connected",
// nothing is published.
func TestConsumerDropsWhileDisconnected(t *testing.T) {
	b, _, tp := testBridge(t)
	tp.setConnected(false)
	b.running.Store(true)

	b.queue.TryPush(chunkFor(1))
	b.queue.TryPush(chunkFor(2))

	b.wg.Add(1)
	go b.runConsumer()

	waitFor(t, "queue drained", func() bool { return b.queue.Empty() })
	b.running.Store(false)
	b.wg.Wait()

	if tp.publishCount() != 0 {
		t.Fatalf("published %d chunks while disconnected", tp.publishCount())
	}
	if b.publishErrors.Load() != 0 {
		t.Fatalf("disconnected drops counted as publish errors: %d", b.publishErrors.Load())
	}
}

func TestConsumerCountsPublishFailures(t *testing.T) {
	b, _, tp := testBridge(t)
	b.running.Store(true)

	// Connected according to the flag, but every publish is refused.
	b.transport = &failingTransport{fakeTransport: tp}

	b.queue.TryPush(chunkFor(1))
	b.wg.Add(1)
	go b.runConsumer()

	waitFor(t, "publish error counted", func() bool { return b.publishErrors.Load() == 1 })
	b.running.Store(false)
	b.wg.Wait()

	if b.published.Load() != 0 {
		t.Fatal("failed publish counted as success")
	}
}

type failingTransport struct {
	*fakeTransport
}

func (f *failingTransport) IsConnected() bool { return true }

func (f *failingTransport) Publish(string, []byte, byte) error {
	return errors.New("broker rejected message")
}

func TestConcurrentResumeAndShutdown(t *testing.T) {
	b, dev, _ := testBridge(t)
	cancel, _ := startBridge(t, b)
	defer cancel()

	if err := b.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = b.Resume() // errors once shutdown wins are expected
		}
	}()
	go func() {
		defer wg.Done()
		shutdownBridge(t, b)
	}()
	wg.Wait()

	if dev.Streaming() {
		t.Fatal("device left registered after shutdown completed")
	}
	if b.State() != StateStopped {
		t.Fatalf("state %s after shutdown, want STOPPED", b.State())
	}
	if err := b.Resume(); err == nil {
		t.Fatal("resume after shutdown should fail")
	}
}

func TestShutdownStopsProduction(t *testing.T) {
	b, dev, tp := testBridge(t)
	cancel, errCh := startBridge(t, b)
	defer cancel()

	dev.emit([]byte{1})
	waitFor(t, "first publish", func() bool { return tp.publishCount() >= 1 })

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	shutdownBridge(t, b)

	before := tp.publishCount()
	dev.emit([]byte{9}) // device runtime firing one last time
	time.Sleep(50 * time.Millisecond)
	if tp.publishCount() != before {
		t.Fatal("chunk published after shutdown")
	}
	if b.queue.TryPush(chunkFor(99)) {
		t.Fatal("queue accepted a chunk after shutdown")
	}
}

func TestStartupFailureDeviceOpen(t *testing.T) {
	b, dev, tp := testBridge(t)
	dev.openErr = errors.New("no such device")

	err := b.Run(context.Background())
	if err == nil {
		t.Fatal("expected startup error")
	}

	// Shutdown runs regardless and skips what was never acquired.
	shutdownBridge(t, b)
	if tp.IsConnected() {
		t.Fatal("transport connected despite aborted startup")
	}
}

func TestPermanentDisconnectEndsRun(t *testing.T) {
	b, _, tp := testBridge(t)
	b.cfg.MQTT.DisconnectGraceS = 1
	cancel, errCh := startBridge(t, b)
	defer cancel()

	tp.setDownFor(5 * time.Second)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected permanent-disconnect error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit on permanent disconnect")
	}
	shutdownBridge(t, b)
}

func TestProducerContract(t *testing.T) {
	b, _, _ := testBridge(t)

	// Run flag down: producer tells the device runtime to stop.
	if got := b.capture([]byte{1}); got != device.Stop {
		t.Fatalf("expected Stop with cleared run flag, got %v", got)
	}

	b.running.Store(true)
	// Zero-length buffers produce no chunk.
	if got := b.capture(nil); got != device.Continue {
		t.Fatalf("expected Continue for empty buffer, got %v", got)
	}
	if !b.queue.Empty() {
		t.Fatal("empty buffer produced a chunk")
	}

	// The chunk owns a copy, not the device buffer.
	buf := []byte{1, 2, 3}
	if got := b.capture(buf); got != device.Continue {
		t.Fatalf("expected Continue, got %v", got)
	}
	buf[0] = 99
	c, ok := b.queue.PopTimeout(time.Second)
	if !ok || c.Data[0] != 1 {
		t.Fatalf("chunk shares memory with device buffer: %v", c.Data)
	}
}

func TestStatusSnapshot(t *testing.T) {
	b, dev, _ := testBridge(t)
	cancel, _ := startBridge(t, b)
	defer cancel()
	defer shutdownBridge(t, b)

	dev.emit([]byte{1, 2})
	st := b.status()
	if st["state"] != "STREAMING" {
		t.Errorf("status state = %v", st["state"])
	}
	if st["instance_id"] != "test-rx" {
		t.Errorf("status instance_id = %v", st["instance_id"])
	}
	q, ok := st["queue"].(map[string]any)
	if !ok || q["capacity"] != 4 {
		t.Errorf("status queue = %v", st["queue"])
	}
}

func chunkFor(seq uint64) chunkqueue.Chunk {
	return chunkqueue.Chunk{Seq: seq, Data: []byte{byte(seq)}}
}

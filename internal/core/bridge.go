// Package core owns the streaming pipeline: the stream state machine, the
// capture callback, the publisher loop and the orchestration of startup,
// supervision and shutdown across the three concurrent contexts (device
// runtime, publisher goroutine, transport network goroutine).
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/sdrbridge/internal/chunkqueue"
	"github.com/e7canasta/sdrbridge/internal/config"
	"github.com/e7canasta/sdrbridge/internal/control"
	"github.com/e7canasta/sdrbridge/internal/device"
	"github.com/e7canasta/sdrbridge/internal/metrics"
)

const (
	superviseInterval = time.Second
	statsInterval     = 10 * time.Second
)

// Bridge is the orchestrator. It owns the device handle, the handoff queue,
// the transport session and all pipeline goroutines.
type Bridge struct {
	cfg       *config.Config
	dev       device.Receiver
	queue     *chunkqueue.Queue
	transport Transport
	metrics   *metrics.Metrics
	control   *control.Handler

	// running is the run flag: written only by Run and Shutdown, read by the
	// capture callback and the publisher loop on their own polling cadence.
	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	capture device.SampleFunc

	// stateMu serializes state transitions between the control dispatcher
	// (transport goroutine) and the shutdown path.
	stateMu sync.Mutex
	state   State

	captured      atomic.Uint64
	dropped       atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64

	started time.Time
	wg      sync.WaitGroup
}

// New wires a bridge from its collaborators. Nothing is started yet.
func New(cfg *config.Config, dev device.Receiver, transport Transport, m *metrics.Metrics) *Bridge {
	b := &Bridge{
		cfg:       cfg,
		dev:       dev,
		queue:     chunkqueue.New(cfg.Queue.Capacity),
		transport: transport,
		metrics:   m,
		state:     StateUninitialized,
		stopCh:    make(chan struct{}),
		started:   time.Now(),
	}
	b.capture = b.captureFunc()
	b.control = control.NewHandler(cfg, transport, control.Callbacks{
		OnPause:  b.Pause,
		OnResume: b.Resume,
		OnStatus: b.status,
	})
	return b
}

// Run brings the pipeline up in order and then supervises it until ctx is
// cancelled or the transport goes permanently disconnected. Any startup
// failure aborts the remaining steps; the caller is expected to invoke
// Shutdown regardless, which skips whatever was never acquired.
func (b *Bridge) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("unexpected failure in supervisor, beginning shutdown", "panic", r)
			err = fmt.Errorf("supervisor panic: %v", r)
		}
	}()

	b.started = time.Now()

	if err := b.dev.Open(); err != nil {
		return fmt.Errorf("device open: %w", err)
	}
	if err := b.dev.Tune(device.Params{
		CenterFrequencyHz: b.cfg.Device.CenterFrequencyHz,
		SampleRateHz:      b.cfg.Device.SampleRateHz,
		FilterBandwidthHz: b.cfg.Device.FilterBandwidthHz,
		LNAGainDB:         b.cfg.Device.LNAGainDB,
		VGAGainDB:         b.cfg.Device.VGAGainDB,
	}); err != nil {
		return fmt.Errorf("device tune: %w", err)
	}
	b.setState(StateInitialized)

	// Control route goes in before the connect so the subscription is
	// established with the first session and every reconnect after it.
	b.control.Start()

	b.running.Store(true)
	b.wg.Add(1)
	go b.runConsumer()

	if err := b.transport.Connect(ctx); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	if err := b.startStreaming(); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}

	b.wg.Add(1)
	go b.runStatsLogger()

	slog.Info("bridge running",
		"instance_id", b.cfg.InstanceID,
		"data_topic", b.cfg.MQTT.Topics.Data,
		"control_topic", b.cfg.MQTT.Topics.Control,
		"queue_capacity", b.queue.Cap(),
	)

	return b.supervise(ctx)
}

func (b *Bridge) startStreaming() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if err := b.dev.StartRX(b.capture); err != nil {
		return err
	}
	b.state = StateStreaming
	slog.Info("streaming started")
	return nil
}

// supervise is the idle loop of the main goroutine. It exits on shutdown
// signal (ctx), on an internal stop, or when the broker has been unreachable
// longer than the configured grace window.
func (b *Bridge) supervise(ctx context.Context) error {
	ticker := time.NewTicker(superviseInterval)
	defer ticker.Stop()

	grace := time.Duration(b.cfg.MQTT.DisconnectGraceS) * time.Second
	for {
		select {
		case <-ctx.Done():
			slog.Info("supervisor exiting", "reason", "shutdown signal")
			return nil
		case <-b.stopCh:
			slog.Info("supervisor exiting", "reason", "stop requested")
			return nil
		case <-ticker.C:
			if down := b.transport.DisconnectedFor(); down > grace {
				return fmt.Errorf("mqtt disconnected for %s (grace %s)", down.Round(time.Second), grace)
			}
		}
	}
}

// Pause stops callback delivery. Issuing it while not streaming is a logged
// no-op. Queued chunks are discarded: this is live telemetry, not a
// recording, and replaying them after a resume would hand the broker stale
// samples.
func (b *Bridge) Pause() error {
	b.metrics.ControlCommands.WithLabelValues("PAUSE").Inc()

	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.state != StateStreaming || !b.dev.Streaming() {
		slog.Info("pause ignored, stream not active",
			"state", b.state.String(),
			"device_streaming", b.dev.Streaming(),
		)
		return nil
	}

	if err := b.dev.StopRX(); err != nil {
		return fmt.Errorf("device stop: %w", err)
	}
	b.state = StatePaused

	if n := b.queue.Drain(); n > 0 {
		slog.Info("queued chunks discarded on pause", "count", n)
	}
	slog.Info("streaming paused")
	return nil
}

// Resume re-registers the capture callback. Issuing it while streaming is a
// logged no-op; a device registration failure leaves the state paused for the
// operator to retry.
func (b *Bridge) Resume() error {
	b.metrics.ControlCommands.WithLabelValues("RESUME").Inc()

	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.state == StateStreaming && b.dev.Streaming() {
		slog.Info("resume ignored, already streaming")
		return nil
	}
	// StateStreaming with a silently stopped device is recoverable; anything
	// before startup or after shutdown is not.
	if b.state != StatePaused && b.state != StateStreaming {
		return fmt.Errorf("cannot resume from state %s", b.state)
	}

	if err := b.dev.StartRX(b.capture); err != nil {
		slog.Error("resume failed, stream stays paused", "error", err)
		return fmt.Errorf("device start: %w", err)
	}
	b.state = StateStreaming
	slog.Info("streaming resumed")
	return nil
}

// Shutdown tears the pipeline down in order: clear the run flag, join the
// worker goroutines, stop streaming if active, release the device, then
// disconnect the transport. Safe after a partial startup and safe to race
// with an in-flight control transition; ctx bounds the goroutine join.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.stateMu.Lock()
	if b.state == StateStopped {
		b.stateMu.Unlock()
		return nil
	}
	b.stateMu.Unlock()

	slog.Info("shutting down bridge")
	b.stopOnce.Do(func() {
		b.running.Store(false)
		close(b.stopCh)
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("timed out waiting for pipeline goroutines")
	}

	b.stateMu.Lock()
	if b.dev.Streaming() {
		if err := b.dev.StopRX(); err != nil {
			slog.Error("failed to stop streaming", "error", err)
		}
	}
	if err := b.dev.Close(); err != nil {
		slog.Error("failed to close device", "error", err)
	}
	b.state = StateStopped
	b.stateMu.Unlock()

	if err := b.control.Stop(); err != nil {
		slog.Error("failed to stop control plane", "error", err)
	}
	if err := b.transport.Disconnect(); err != nil {
		slog.Error("failed to disconnect mqtt", "error", err)
	}
	b.queue.Close()

	slog.Info("bridge shutdown complete",
		"uptime", time.Since(b.started).Round(time.Second),
		"captured", b.captured.Load(),
		"dropped", b.dropped.Load(),
		"published", b.published.Load(),
	)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown bound.
func (b *Bridge) ShutdownTimeout() time.Duration {
	return time.Duration(b.cfg.ShutdownTimeoutS) * time.Second
}

// State returns the current expected stream state.
func (b *Bridge) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

func (b *Bridge) setState(s State) {
	b.stateMu.Lock()
	b.state = s
	b.stateMu.Unlock()
}

// status builds the STATUS command response.
func (b *Bridge) status() map[string]any {
	b.metrics.ControlCommands.WithLabelValues("STATUS").Inc()

	b.stateMu.Lock()
	state := b.state
	devStreaming := b.dev.Streaming()
	b.stateMu.Unlock()

	return map[string]any{
		"instance_id":      b.cfg.InstanceID,
		"uptime_s":         time.Since(b.started).Seconds(),
		"state":            state.String(),
		"device_streaming": devStreaming,
		"queue": map[string]any{
			"len":      b.queue.Len(),
			"capacity": b.queue.Cap(),
		},
		"chunks": map[string]any{
			"captured":       b.captured.Load(),
			"dropped":        b.dropped.Load(),
			"published":      b.published.Load(),
			"publish_errors": b.publishErrors.Load(),
		},
		"mqtt": map[string]any{
			"connected":  b.transport.IsConnected(),
			"broker":     b.cfg.MQTT.Broker,
			"data_topic": b.cfg.MQTT.Topics.Data,
		},
		"device": map[string]any{
			"frequency_hz":   b.cfg.Device.CenterFrequencyHz,
			"sample_rate_hz": b.cfg.Device.SampleRateHz,
		},
	}
}

// runStatsLogger periodically logs pipeline counters and warns when the drop
// rate over the last interval indicates the consumer cannot keep up.
func (b *Bridge) runStatsLogger() {
	defer b.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var prevCaptured, prevDropped uint64
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			captured := b.captured.Load()
			dropped := b.dropped.Load()
			b.metrics.QueueDepth.Set(float64(b.queue.Len()))

			deltaCaptured := captured - prevCaptured
			deltaDropped := dropped - prevDropped
			if offered := deltaCaptured + deltaDropped; offered > 0 {
				if rate := float64(deltaDropped) / float64(offered); rate > 0.80 {
					slog.Warn("high chunk drop rate",
						"drop_rate_pct", int(rate*100),
						"dropped_last_interval", deltaDropped,
						"offered_last_interval", offered,
						"action", "check broker throughput",
					)
				}
			}

			slog.Debug("pipeline stats",
				"captured", captured,
				"dropped", dropped,
				"published", b.published.Load(),
				"publish_errors", b.publishErrors.Load(),
				"queue_len", b.queue.Len(),
			)
			prevCaptured, prevDropped = captured, dropped
		}
	}
}

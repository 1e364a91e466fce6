package core

import (
	"errors"
	"log/slog"
	"time"

	"github.com/e7canasta/sdrbridge/internal/emitter"
)

// popTimeout bounds each queue wait so the loop re-checks the run flag
// promptly without busy-spinning.
const popTimeout = 100 * time.Millisecond

// runConsumer is the publisher loop. It is the only goroutine allowed to
// block on the queue and on network publishes. Chunks are never requeued:
// replaying stale samples behind fresh arrivals would defeat the
// bounded-latency intent of the pipeline.
func (b *Bridge) runConsumer() {
	defer b.wg.Done()

	topic := b.cfg.MQTT.Topics.Data
	qos := b.cfg.MQTT.QoS["data"]
	slog.Info("publisher loop started", "topic", topic, "qos", qos)

	for b.running.Load() {
		chunk, ok := b.queue.PopTimeout(popTimeout)
		if !ok {
			continue
		}
		b.metrics.QueueDepth.Set(float64(b.queue.Len()))

		if !b.transport.IsConnected() {
			// Expected during reconnect windows.
			slog.Debug("broker not connected, chunk discarded",
				"seq", chunk.Seq,
				"bytes", len(chunk.Data),
			)
			continue
		}

		start := time.Now()
		err := b.transport.Publish(topic, chunk.Data, qos)
		switch {
		case err == nil:
			b.published.Add(1)
			b.metrics.ChunksPublished.Inc()
			b.metrics.PublishLatency.Observe(time.Since(start).Seconds())

		case errors.Is(err, emitter.ErrNotConnected):
			b.publishErrors.Add(1)
			b.metrics.PublishErrors.Inc()
			slog.Warn("connection lost before publish, chunk discarded",
				"topic", topic,
				"seq", chunk.Seq,
				"bytes", len(chunk.Data),
			)

		case errors.Is(err, emitter.ErrPublishTimeout):
			b.publishErrors.Add(1)
			b.metrics.PublishErrors.Inc()
			slog.Error("publish timed out, chunk discarded",
				"topic", topic,
				"seq", chunk.Seq,
				"bytes", len(chunk.Data),
			)

		default:
			b.publishErrors.Add(1)
			b.metrics.PublishErrors.Inc()
			slog.Error("publish failed, chunk discarded",
				"topic", topic,
				"seq", chunk.Seq,
				"bytes", len(chunk.Data),
				"error", err,
			)
		}
	}

	slog.Info("publisher loop stopped")
}

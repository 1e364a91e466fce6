package core

import (
	"log/slog"

	"github.com/e7canasta/sdrbridge/internal/chunkqueue"
	"github.com/e7canasta/sdrbridge/internal/device"
)

// captureFunc builds the device callback. The closure binds the queue, the
// run flag and the counters at registration time; pause/resume re-register
// the same closure, so sequence numbers stay monotonic across transitions.
//
// The callback runs on the device runtime's goroutine and must never block:
// one atomic flag read, one bounded copy, one non-blocking push. A full queue
// is a drop, never a Stop verdict — halting capture is strictly worse than
// losing one chunk.
func (b *Bridge) captureFunc() device.SampleFunc {
	var seq uint64
	return func(buf []byte) device.Flow {
		if !b.running.Load() {
			return device.Stop
		}
		if len(buf) == 0 {
			return device.Continue
		}

		// The device owns buf and reuses it; the chunk gets its own copy.
		data := make([]byte, len(buf))
		copy(data, buf)
		seq++

		if !b.queue.TryPush(chunkqueue.Chunk{Seq: seq, Data: data}) {
			b.dropped.Add(1)
			b.metrics.ChunksDropped.Inc()
			slog.Debug("handoff queue full, chunk discarded",
				"seq", seq,
				"bytes", len(data),
			)
			return device.Continue
		}

		b.captured.Add(1)
		b.metrics.ChunksCaptured.Inc()
		return device.Continue
	}
}

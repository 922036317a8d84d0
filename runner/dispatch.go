package runner

import (
	"time"

	"go.uber.org/zap"

	"github.com/mkocikowski/kafkarunner"
	"github.com/mkocikowski/kafkarunner/instrument"
	"github.com/mkocikowski/kafkarunner/offsets"
)

// fetch runs one cycle: fetch batches from the owned partitions, process them
// concurrently up to the limit, then auto-commit resolved offsets and
// heartbeat. The next cycle begins only after the trailing commit and
// heartbeat of this one complete.
func (r *Runner) fetch() error {
	start := time.Now()
	batches, err := r.Group.Fetch()
	if err != nil {
		return err
	}
	r.emitter.Emit(instrument.Fetch, instrument.FetchPayload{
		NumberOfBatches: len(batches),
		Duration:        time.Since(start),
	})
	futures := make([]<-chan error, 0, len(batches))
	for _, b := range batches {
		b := b
		futures = append(futures, r.limiter.Go(func() error {
			return r.processBatch(b)
		}))
	}
	var firstErr error
	for _, f := range futures {
		if err := <-f; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	if err := r.autoCommitOffsets(); err != nil {
		return err
	}
	return r.Group.Heartbeat(r.HeartbeatInterval)
}

func (r *Runner) autoCommitOffsets() error {
	if r.DisableAutoCommit {
		return nil
	}
	return r.Group.CommitOffsets(nil)
}

func (r *Runner) processBatch(b *kafkarunner.Batch) error {
	if !r.running.Load() || b.Empty() {
		return nil
	}
	payload := instrument.BatchProcessPayload{
		Topic:         b.Topic,
		Partition:     b.Partition,
		HighWatermark: b.HighWatermark,
		FirstOffset:   b.FirstOffset(),
		LastOffset:    b.LastOffset(),
		OffsetLag:     b.OffsetLag(),
		BatchSize:     len(b.Messages),
	}
	r.emitter.Emit(instrument.StartBatchProcess, payload)
	start := time.Now()
	var err error
	if r.EachMessage != nil {
		err = r.processEachMessage(b)
	} else {
		err = r.processEachBatch(b)
	}
	if err != nil {
		return err
	}
	payload.Duration = time.Since(start)
	r.emitter.Emit(instrument.EndBatchProcess, payload)
	return nil
}

// processEachMessage invokes the handler once per message, in offset order.
// Stops early when the runner stops or the partition is seeked. On handler
// error the offsets resolved so far are committed before the error
// propagates, so completed work is durable.
func (r *Runner) processEachMessage(b *kafkarunner.Batch) error {
	for _, m := range b.Messages {
		if !r.running.Load() || r.Group.HasSeekOffset(b.Topic, b.Partition) {
			break
		}
		if err := r.EachMessage(b.Topic, b.Partition, m); err != nil {
			if !kafkarunner.IsKafkaError(err) {
				r.logger.Error("error when calling eachMessage",
					zap.String("topic", b.Topic),
					zap.Int32("partition", b.Partition),
					zap.Int64("offset", m.Offset),
					zap.Error(err),
					zap.Stack("stack"),
				)
			}
			if cerr := r.Group.CommitOffsets(nil); cerr != nil {
				return cerr
			}
			return err
		}
		r.Group.ResolveOffset(b.Topic, b.Partition, m.Offset)
		if err := r.Group.Heartbeat(r.HeartbeatInterval); err != nil {
			return err
		}
		if r.DisableAutoCommit {
			continue
		}
		if err := r.Group.CommitOffsetsIfNecessary(); err != nil {
			return err
		}
	}
	return nil
}

// processEachBatch hands the whole batch to the handler along with the
// control surface. Unless auto resolve is off (or the batch has gone stale)
// the batch's last offset is resolved after the handler returns.
func (r *Runner) processEachBatch(b *kafkarunner.Batch) error {
	c := &BatchContext{Batch: b, runner: r}
	if err := r.EachBatch(c); err != nil {
		if !kafkarunner.IsKafkaError(err) {
			r.logger.Error("error when calling eachBatch",
				zap.String("topic", b.Topic),
				zap.Int32("partition", b.Partition),
				zap.Int64("firstOffset", b.FirstOffset()),
				zap.Error(err),
				zap.Stack("stack"),
			)
		}
		if cerr := r.autoCommitOffsets(); cerr != nil {
			return cerr
		}
		return err
	}
	if !r.DisableBatchAutoResolve && !c.Stale() {
		r.Group.ResolveOffset(b.Topic, b.Partition, b.LastOffset())
	}
	return nil
}

// BatchContext is the control surface passed to EachBatch. Immutable per
// invocation, captures the current batch.
type BatchContext struct {
	Batch  *kafkarunner.Batch
	runner *Runner
}

// ResolveOffset marks the message at offset as processed for this batch's
// partition, making offset+1 eligible for commit.
func (c *BatchContext) ResolveOffset(offset int64) {
	c.runner.Group.ResolveOffset(c.Batch.Topic, c.Batch.Partition, offset)
}

// Heartbeat sends a heartbeat, throttled to the runner's interval. Call it
// from long-running handlers so the member is not evicted from the group.
func (c *BatchContext) Heartbeat() error {
	return c.runner.Group.Heartbeat(c.runner.HeartbeatInterval)
}

// CommitOffsetsIfNecessary commits the given offsets when offs is not empty,
// otherwise commits per the group's auto-commit interval and threshold.
func (c *BatchContext) CommitOffsetsIfNecessary(offs offsets.Offsets) error {
	if len(offs) > 0 {
		return c.runner.Group.CommitOffsets(offs)
	}
	return c.runner.Group.CommitOffsetsIfNecessary()
}

// UncommittedOffsets snapshots the resolved but not yet committed offsets.
func (c *BatchContext) UncommittedOffsets() offsets.Offsets {
	return c.runner.Group.UncommittedOffsets()
}

// Running reports whether the runner is still running. Handlers should check
// it between messages and return early when it goes false.
func (c *BatchContext) Running() bool {
	return c.runner.running.Load()
}

// Stale reports whether the batch's partition has been seeked since the
// batch was fetched. A stale batch must not advance offsets.
func (c *BatchContext) Stale() bool {
	return c.runner.Group.HasSeekOffset(c.Batch.Topic, c.Batch.Partition)
}

package kafkarunner

import (
	"time"

	"github.com/mkocikowski/libkafka"
	"github.com/mkocikowski/libkafka/record"
)

// Message is a single record fetched from a topic partition. Read only: the
// runner hands messages to user handlers and discards them when their batch
// has been processed.
type Message struct {
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte
}

// Batch is the unit at which the runner processes data. A successful fetch
// returns zero or more batches, each holding the records of one topic
// partition in offset order.
type Batch struct {
	Topic     string
	Partition int32
	// Offset of the next record the partition leader will append. Used to
	// compute consumer lag.
	HighWatermark int64
	Messages      []*Message
}

func (b *Batch) Empty() bool { return len(b.Messages) == 0 }

// FirstOffset of the batch, -1 when the batch is empty.
func (b *Batch) FirstOffset() int64 {
	if b.Empty() {
		return -1
	}
	return b.Messages[0].Offset
}

// LastOffset of the batch, -1 when the batch is empty.
func (b *Batch) LastOffset() int64 {
	if b.Empty() {
		return -1
	}
	return b.Messages[len(b.Messages)-1].Offset
}

// OffsetLag is the distance between the last message in the batch and the
// partition high watermark.
func (b *Batch) OffsetLag() int64 {
	if b.Empty() {
		return 0
	}
	lag := b.HighWatermark - 1 - b.LastOffset()
	if lag < 0 {
		return 0
	}
	return lag
}

// NewBatch converts a decompressed libkafka batch into the runner's batch
// model. Record offsets and timestamps are reconstructed from the batch base
// offset and first timestamp plus the per-record deltas.
func NewBatch(topic string, partition int32, highWatermark int64, b *libkafka.Batch) (*Batch, error) {
	out := &Batch{
		Topic:         topic,
		Partition:     partition,
		HighWatermark: highWatermark,
	}
	for _, m := range b.Records() {
		r, err := record.Unmarshal(m)
		if err != nil {
			return nil, Errorf("error unmarshaling record: %w", err)
		}
		msg := &Message{
			Offset:    b.BaseOffset + int64(r.OffsetDelta),
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: time.Unix(0, (b.FirstTimestamp+int64(r.TimestampDelta))*int64(time.Millisecond)),
		}
		for _, h := range r.Headers {
			if msg.Headers == nil {
				msg.Headers = make(map[string][]byte)
			}
			msg.Headers[string(h.Key)] = h.Value
		}
		out.Messages = append(out.Messages, msg)
	}
	return out, nil
}

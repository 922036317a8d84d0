package groups

import (
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkocikowski/kafkarunner"
	"github.com/mkocikowski/kafkarunner/compression"
	"github.com/mkocikowski/libkafka"
	"github.com/mkocikowski/libkafka/batch"
	"github.com/mkocikowski/libkafka/client/fetcher"
	libcompression "github.com/mkocikowski/libkafka/compression"
)

func defaultDecompressors() map[int16]batch.Decompressor {
	return map[int16]batch.Decompressor{
		libcompression.None: &compression.None{},
		libcompression.Lz4:  &compression.Lz4{},
		libcompression.Zstd: &compression.Zstd{},
	}
}

// Fetch makes one fetch request to every owned partition, in parallel, and
// returns the record batches in (topic, partition) order. Pending seeks are
// applied before fetching. The fetchers' positions are advanced past the
// returned batches so the next Fetch picks up where this one ended; this is
// independent of offset commits, which only happen through CommitOffsets.
//
// When the member owns nothing (not joined yet, or the group has more
// members than partitions) Fetch sleeps one MaxWaitTimeMs so an idle member
// does not spin.
func (c *Group) Fetch() ([]*kafkarunner.Batch, error) {
	c.mu.Lock()
	c.init()
	parts := make([]tp, 0, len(c.fetchers))
	for k := range c.fetchers {
		parts = append(parts, k)
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].topic != parts[j].topic {
			return parts[i].topic < parts[j].topic
		}
		return parts[i].partition < parts[j].partition
	})
	fetchers := make([]*fetcher.PartitionFetcher, len(parts))
	for i, k := range parts {
		f := c.fetchers[k]
		if offset, ok := c.cursor.TakeSeek(k.topic, k.partition); ok {
			f.SetOffset(offset)
		}
		fetchers[i] = f
	}
	maxWait := c.MaxWaitTimeMs
	c.mu.Unlock()
	if len(parts) == 0 {
		if maxWait > 0 {
			time.Sleep(time.Duration(maxWait) * time.Millisecond)
		}
		return nil, nil
	}
	var g errgroup.Group
	results := make([][]*kafkarunner.Batch, len(parts))
	for i := range parts {
		i := i
		g.Go(func() error {
			batches, err := c.fetchPartition(fetchers[i], parts[i].topic, parts[i].partition)
			results[i] = batches
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []*kafkarunner.Batch
	for _, batches := range results {
		out = append(out, batches...)
	}
	return out, nil
}

func (c *Group) fetchPartition(f *fetcher.PartitionFetcher, topic string, partition int32) ([]*kafkarunner.Batch, error) {
	resp, err := f.Fetch()
	if err != nil {
		f.Close() // will reconnect on next call
		return nil, kafkarunner.Errorf("error fetching %s[%d]: %w", topic, partition, err)
	}
	if resp.ErrorCode == libkafka.ERR_OFFSET_OUT_OF_RANGE {
		// reposition to the default and report: the runner swallows
		// this and the next cycle fetches from the new position
		if err := f.Seek(c.defaultOffset()); err != nil {
			f.Close()
		}
		return nil, kafkarunner.Errorf("%s[%d]: %w", topic, partition,
			kafkarunner.ErrOffsetOutOfRange)
	}
	if resp.ErrorCode != libkafka.ERR_NONE {
		f.Close()
		return nil, classifyCode(resp.ErrorCode)
	}
	batches, next, err := c.parseResponse(topic, partition, f.Offset(), resp)
	if err != nil {
		return nil, err
	}
	f.SetOffset(next)
	return batches, nil
}

// parseResponse converts the record set of one fetch response into runner
// batches. Returns the offset the fetcher should continue from. A batch may
// begin before the requested offset (fetches are served at batch
// granularity), so leading messages are trimmed.
func (c *Group) parseResponse(topic string, partition int32, requested int64, resp *fetcher.Response) ([]*kafkarunner.Batch, int64, error) {
	next := requested
	var out []*kafkarunner.Batch
	for _, m := range resp.RecordSet.Batches() {
		b, err := batch.Unmarshal(m)
		if err != nil {
			return nil, 0, kafkarunner.Errorf("error unmarshaling batch for %s[%d]: %w",
				topic, partition, err)
		}
		d := c.Decompressors[b.CompressionType()]
		if d == nil {
			return nil, 0, kafkarunner.Errorf("no decompressor for type %d", b.CompressionType())
		}
		if err := b.Decompress(d); err != nil {
			return nil, 0, kafkarunner.Errorf("error decompressing batch for %s[%d]: %w",
				topic, partition, err)
		}
		rb, err := kafkarunner.NewBatch(topic, partition, resp.HighWatermark, b)
		if err != nil {
			return nil, 0, err
		}
		for len(rb.Messages) > 0 && rb.Messages[0].Offset < requested {
			rb.Messages = rb.Messages[1:]
		}
		if last := b.LastOffset(); last+1 > next {
			next = last + 1
		}
		if !rb.Empty() {
			out = append(out, rb)
		}
	}
	return out, next, nil
}

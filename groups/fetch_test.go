package groups

import (
	"encoding/base64"
	"testing"

	"github.com/mkocikowski/libkafka/batch"
	"github.com/mkocikowski/libkafka/client/fetcher"
	"github.com/stretchr/testify/require"
)

// Two uncompressed batches: offsets 0-1 with values "foo","bar" and offsets
// 2-3 with values "monkey","banana".
const recordSetFixture = `AAAAAAAAAAAAAABFAAAAAAKWOefaAAAAAAABAAABcVrvssgAAAFxWu+yyP////////////8AAAAAAAAAAhIAAAAABmZvbwASAAACAAZiYXIAAAAAAAAAAAIAAABLAAAAAAJkxR4UAAAAAAABAAABcVrvsssAAAFxWu+yy/////////////8AAAAAAAAAAhgAAAAADG1vbmtleQAYAAACAAxiYW5hbmEA`

func fixtureResponse(t *testing.T) *fetcher.Response {
	t.Helper()
	recordSet, err := base64.StdEncoding.DecodeString(recordSetFixture)
	require.NoError(t, err)
	return &fetcher.Response{
		Topic:         "foo",
		Partition:     0,
		HighWatermark: 4,
		RecordSet:     recordSet,
	}
}

func testGroup() *Group {
	c := &Group{Bootstrap: "localhost:9092", GroupId: "test"}
	c.mu.Lock()
	c.init()
	c.mu.Unlock()
	return c
}

func TestUnitParseResponse(t *testing.T) {
	c := testGroup()
	batches, next, err := c.parseResponse("foo", 0, 0, fixtureResponse(t))
	require.NoError(t, err)
	require.Equal(t, int64(4), next)
	require.Len(t, batches, 2)
	b := batches[1]
	require.Equal(t, "foo", b.Topic)
	require.Equal(t, int64(2), b.FirstOffset())
	require.Equal(t, int64(3), b.LastOffset())
	require.Equal(t, int64(4), b.HighWatermark)
	require.Equal(t, int64(0), b.OffsetLag())
	require.Equal(t, "monkey", string(b.Messages[0].Value))
	require.Equal(t, "banana", string(b.Messages[1].Value))
}

func TestUnitParseResponseTrimsBeforeRequested(t *testing.T) {
	c := testGroup()
	// fetches are served at batch granularity: asking for offset 1 returns
	// the whole first batch, the message at offset 0 must not reach the
	// handler again
	batches, next, err := c.parseResponse("foo", 0, 1, fixtureResponse(t))
	require.NoError(t, err)
	require.Equal(t, int64(4), next)
	require.Len(t, batches, 2)
	require.Equal(t, int64(1), batches[0].FirstOffset())
	require.Equal(t, "bar", string(batches[0].Messages[0].Value))
}

func TestUnitParseResponseAllConsumed(t *testing.T) {
	c := testGroup()
	// everything in the response is before the requested offset (stale
	// response): no batches, position unchanged past the record set end
	batches, next, err := c.parseResponse("foo", 0, 4, fixtureResponse(t))
	require.NoError(t, err)
	require.Equal(t, int64(4), next)
	require.Empty(t, batches)
}

func TestUnitParseResponseNoDecompressor(t *testing.T) {
	c := testGroup()
	c.Decompressors = map[int16]batch.Decompressor{}
	_, _, err := c.parseResponse("foo", 0, 0, fixtureResponse(t))
	require.ErrorContains(t, err, "no decompressor")
}

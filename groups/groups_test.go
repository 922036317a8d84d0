package groups

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/mkocikowski/kafkarunner"
	"github.com/mkocikowski/libkafka"
	"github.com/mkocikowski/libkafka/client"
	"github.com/mkocikowski/libkafka/client/fetcher"
	"github.com/mkocikowski/libkafka/client/producer"
	"github.com/stretchr/testify/require"
)

func TestUnitClassifyCode(t *testing.T) {
	tests := []struct {
		code int16
		want error
	}{
		{libkafka.ERR_REBALANCE_IN_PROGRESS, kafkarunner.ErrRebalanceInProgress},
		{libkafka.ERR_NOT_COORDINATOR_FOR_GROUP, kafkarunner.ErrNotCoordinator},
		{libkafka.ERR_UNKNOWN_MEMBER_ID, kafkarunner.ErrUnknownMemberId},
		{libkafka.ERR_OFFSET_OUT_OF_RANGE, kafkarunner.ErrOffsetOutOfRange},
	}
	for _, tc := range tests {
		require.ErrorIs(t, classifyCode(tc.code), tc.want)
	}
	// unrecognized codes surface as plain libkafka errors
	err := classifyCode(libkafka.ERR_UNKNOWN_TOPIC_OR_PARTITION)
	var ke *libkafka.Error
	require.True(t, errors.As(err, &ke))
	require.Equal(t, libkafka.ERR_UNKNOWN_TOPIC_OR_PARTITION, ke.Code)
	require.False(t, errors.Is(err, kafkarunner.ErrRebalanceInProgress))
}

func TestUnitClassify(t *testing.T) {
	wrapped := kafkarunner.Errorf("commit: %w",
		&libkafka.Error{Code: libkafka.ERR_REBALANCE_IN_PROGRESS})
	require.ErrorIs(t, classify(wrapped), kafkarunner.ErrRebalanceInProgress)
	opaque := errors.New("monkey")
	require.Equal(t, opaque, classify(opaque))
}

func TestUnitParseAssignment(t *testing.T) {
	assignment, err := parseAssignment([]byte(`{"foo":[0,1],"bar":[2]}`))
	require.NoError(t, err)
	require.Equal(t, map[string][]int32{"foo": {0, 1}, "bar": {2}}, assignment)
	// members that got nothing receive empty assignment bytes
	assignment, err = parseAssignment(nil)
	require.NoError(t, err)
	require.Empty(t, assignment)
	_, err = parseAssignment([]byte("banana"))
	require.Error(t, err)
}

func TestUnitHeartbeatThrottle(t *testing.T) {
	c := &Group{Bootstrap: "localhost:9092", GroupId: "test"}
	c.mu.Lock()
	c.init()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
	// inside the interval: nop, no RPC is made (there is no broker here)
	require.NoError(t, c.Heartbeat(time.Hour))
}

func TestUnitCommitOffsetsNothingToCommit(t *testing.T) {
	c := &Group{Bootstrap: "localhost:9092", GroupId: "test"}
	// no resolved offsets: nop, no RPC is made
	require.NoError(t, c.CommitOffsets(nil))
}

func TestUnitCommitOffsetsIfNecessaryBelowThresholds(t *testing.T) {
	c := &Group{
		Bootstrap:           "localhost:9092",
		GroupId:             "test",
		AutoCommitInterval:  time.Hour,
		AutoCommitThreshold: 100,
	}
	c.mu.Lock()
	c.init()
	c.mu.Unlock()
	c.ResolveOffset("foo", 0, 1)
	require.NoError(t, c.CommitOffsetsIfNecessary())
	require.Equal(t, int64(2), c.UncommittedOffsets()["foo"][0])
}

func TestUnitSeek(t *testing.T) {
	c := &Group{}
	require.False(t, c.HasSeekOffset("foo", 0))
	c.Seek("foo", 0, 50)
	require.True(t, c.HasSeekOffset("foo", 0))
	require.False(t, c.HasSeekOffset("foo", 1))
}

func TestUnitLeaveNeverJoined(t *testing.T) {
	c := &Group{Bootstrap: "localhost:9092", GroupId: "test"}
	require.NoError(t, c.Leave())
}

const bootstrap = "localhost:9092"

func createTopic(t *testing.T, partitions int32) string {
	t.Helper()
	topic := fmt.Sprintf("test-%x", rand.Uint32())
	if _, err := client.CallCreateTopic(bootstrap, nil, topic, partitions, 1); err != nil {
		t.Fatal(err)
	}
	return topic
}

func produceStrings(t *testing.T, topic string, partition int32, values ...string) {
	t.Helper()
	p := &producer.PartitionProducer{
		PartitionClient: client.PartitionClient{
			Bootstrap: bootstrap,
			Topic:     topic,
			Partition: partition,
		},
		Acks:      1,
		TimeoutMs: 1000,
	}
	if _, err := p.ProduceStrings(time.Now(), values...); err != nil {
		t.Fatal(err)
	}
}

func TestIntegrationJoinSyncFetchCommit(t *testing.T) {
	topic := createTopic(t, 1)
	produceStrings(t, topic, 0, "foo", "bar")
	c := &Group{
		Bootstrap:     bootstrap,
		GroupId:       fmt.Sprintf("test-group-%x", rand.Uint32()),
		Topics:        []string{topic},
		DefaultOffset: fetcher.MessageOldest,
		MaxWaitTimeMs: 100,
	}
	require.NoError(t, c.Join())
	require.NoError(t, c.Sync())
	s := c.State()
	require.NotEmpty(t, s.MemberId)
	require.True(t, s.IsLeader())
	require.Equal(t, []int32{0}, s.Assignment[topic])
	//
	var batches []*kafkarunner.Batch
	for i := 0; i < 10 && len(batches) == 0; i++ {
		var err error
		batches, err = c.Fetch()
		require.NoError(t, err)
	}
	require.Len(t, batches, 1)
	require.Equal(t, int64(0), batches[0].FirstOffset())
	require.Equal(t, int64(1), batches[0].LastOffset())
	require.Equal(t, "bar", string(batches[0].Messages[1].Value))
	//
	c.ResolveOffset(topic, 0, batches[0].LastOffset())
	require.NoError(t, c.CommitOffsets(nil))
	require.Empty(t, c.UncommittedOffsets())
	require.NoError(t, c.Heartbeat(time.Nanosecond))
	require.NoError(t, c.Leave())
}

func TestIntegrationRejoinAfterClearMemberId(t *testing.T) {
	topic := createTopic(t, 1)
	c := &Group{
		Bootstrap: bootstrap,
		GroupId:   fmt.Sprintf("test-group-%x", rand.Uint32()),
		Topics:    []string{topic},
	}
	require.NoError(t, c.Join())
	first := c.State().MemberId
	c.ClearMemberId()
	require.NoError(t, c.Join())
	require.NotEqual(t, first, c.State().MemberId)
}

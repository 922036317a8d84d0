package instrument

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnitBusDelivers(t *testing.T) {
	b := &Bus{}
	sub := b.Subscribe()
	b.Emit(Fetch, FetchPayload{NumberOfBatches: 3, Duration: time.Millisecond})
	select {
	case e := <-sub:
		require.Equal(t, Fetch, e.Name)
		require.Equal(t, 3, e.Payload.(FetchPayload).NumberOfBatches)
		require.False(t, e.Timestamp.IsZero())
	default:
		t.Fatal("expected buffered delivery")
	}
}

func TestUnitBusSlowSubscriberDoesNotBlock(t *testing.T) {
	b := &Bus{}
	b.Subscribe() // nobody reads
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Emit(GroupJoin, GroupJoinPayload{})
	}
	// reaching here is the assertion
}

func TestUnitMulti(t *testing.T) {
	a, b := &Bus{}, &Bus{}
	subA, subB := a.Subscribe(), b.Subscribe()
	Multi(a, b).Emit(StartBatchProcess, BatchProcessPayload{Topic: "foo"})
	require.Len(t, subA, 1)
	require.Len(t, subB, 1)
	require.Equal(t, "foo", (<-subA).Payload.(BatchProcessPayload).Topic)
	require.Equal(t, "foo", (<-subB).Payload.(BatchProcessPayload).Topic)
}

func TestUnitNop(t *testing.T) {
	(&Nop{}).Emit(EndBatchProcess, nil)
}

package assigners

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/mkocikowski/libkafka/api/JoinGroup"
	"github.com/mkocikowski/libkafka/client"
	"github.com/stretchr/testify/require"
)

func TestUnitAssignRoundRobin(t *testing.T) {
	members := []JoinGroup.Member{
		{MemberId: "b"},
		{MemberId: "a"},
	}
	partitions := map[string][]int32{
		"foo": {2, 0, 1},
		"bar": {0},
	}
	assignments := assignRoundRobin(members, partitions)
	// sorted pairs: bar[0] foo[0] foo[1] foo[2], dealt to a,b,a,b
	require.Equal(t, map[string]map[string][]int32{
		"a": {"bar": {0}, "foo": {1}},
		"b": {"foo": {0, 2}},
	}, assignments)
}

func TestUnitAssignRoundRobinSingleMember(t *testing.T) {
	members := []JoinGroup.Member{{MemberId: "a"}}
	assignments := assignRoundRobin(members, map[string][]int32{"foo": {0, 1, 2}})
	require.Equal(t, map[string][]int32{"foo": {0, 1, 2}}, assignments["a"])
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

func TestIntegrationRoundRobinAssign(t *testing.T) {
	topic := createTopic(t, 3)
	a := &RoundRobin{
		Bootstrap: bootstrap,
		Topics:    []string{topic},
	}
	members := []JoinGroup.Member{{MemberId: "foo"}}
	assignments, err := a.Assign(members)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	var parsed map[string][]int32
	require.NoError(t, json.Unmarshal(assignments[0].Assignment, &parsed))
	require.Len(t, parsed[topic], 3)
}

// Package assigners implements partition assignment strategies for the sync
// phase of the group handshake. Assignments are JSON-encoded
// map[topic][]partition so that members decode them without a schema.
package assigners

import (
	"encoding/json"
	"sort"

	"github.com/mkocikowski/libkafka/api/JoinGroup"
	"github.com/mkocikowski/libkafka/api/SyncGroup"
	"github.com/mkocikowski/libkafka/client"
)

type RoundRobin struct {
	Bootstrap string
	Topics    []string
}

func (*RoundRobin) Type() string       { return "consumer" }
func (*RoundRobin) Name() string       { return "roundrobin" }
func (*RoundRobin) Meta(string) []byte { return []byte{} }

// assignRoundRobin deals the (topic, partition) pairs out to members one at a
// time. Deterministic: members and partitions are iterated in sorted order,
// so every leader computes the same assignment for the same inputs.
func assignRoundRobin(members []JoinGroup.Member, partitions map[string][]int32) map[string]map[string][]int32 {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.MemberId
	}
	sort.Strings(ids)
	topics := make([]string, 0, len(partitions))
	for t := range partitions {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	assignments := map[string]map[string][]int32{}
	var n int
	for _, t := range topics {
		pp := append([]int32(nil), partitions[t]...)
		sort.Slice(pp, func(i, j int) bool { return pp[i] < pp[j] })
		for _, p := range pp {
			id := ids[n%len(ids)]
			n++
			if assignments[id] == nil {
				assignments[id] = map[string][]int32{}
			}
			assignments[id][t] = append(assignments[id][t], p)
		}
	}
	return assignments
}

func (a *RoundRobin) Assign(members []JoinGroup.Member) ([]SyncGroup.Assignment, error) {
	if len(members) == 0 { // not leader
		return []SyncGroup.Assignment{}, nil
	}
	partitions := map[string][]int32{}
	for _, topic := range a.Topics {
		leaders, err := client.GetPartitionLeaders(a.Bootstrap, topic)
		if err != nil {
			return nil, err
		}
		for p := range leaders {
			partitions[topic] = append(partitions[topic], p)
		}
	}
	assignments := []SyncGroup.Assignment{}
	for m, p := range assignRoundRobin(members, partitions) {
		b, _ := json.Marshal(p)
		assignments = append(assignments, SyncGroup.Assignment{
			MemberId:   m,
			Assignment: b,
		})
	}
	return assignments, nil
}

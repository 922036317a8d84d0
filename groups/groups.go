// Package groups implements the consumer group collaborator the runner
// drives: join/sync/heartbeat/leave RPC sequencing, per partition fetchers,
// offset fetch and commit, and the offset cursor. All state transitions are
// driven by the runner; the package issues no RPCs on its own.
package groups

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mkocikowski/kafkarunner"
	"github.com/mkocikowski/kafkarunner/groups/assigners"
	"github.com/mkocikowski/kafkarunner/offsets"
	"github.com/mkocikowski/kafkarunner/runner"
	"github.com/mkocikowski/libkafka"
	"github.com/mkocikowski/libkafka/api/JoinGroup"
	"github.com/mkocikowski/libkafka/api/SyncGroup"
	"github.com/mkocikowski/libkafka/batch"
	"github.com/mkocikowski/libkafka/client"
	"github.com/mkocikowski/libkafka/client/fetcher"
)

var _ runner.ConsumerGroup = (*Group)(nil)

// Assigner computes partition assignments during the sync phase when this
// member is the group leader. Assignment bytes are opaque to the protocol;
// implementations in the assigners package JSON-encode a
// map[topic][]partition.
type Assigner interface {
	Type() string
	Name() string
	Meta(memberId string) []byte
	Assign([]JoinGroup.Member) ([]SyncGroup.Assignment, error)
}

const (
	DefaultAutoCommitInterval  = 5 * time.Second
	DefaultAutoCommitThreshold = 100
)

type tp struct {
	topic     string
	partition int32
}

// Group is a consumer group member. Make sure to set public field values
// before first use. Do not change them after. Safe for concurrent use: the
// runner heartbeats and commits from multiple partition tasks at once.
type Group struct {
	// Kafka bootstrap either host:port or SRV
	Bootstrap string
	GroupId   string
	Topics    []string
	// Nil means round robin over Topics.
	Assigner Assigner
	// Passed through to the partition fetchers.
	MinBytes      int32
	MaxBytes      int32
	MaxWaitTimeMs int32
	// Where to position a partition that has no committed offset:
	// fetcher.MessageNewest (the default) or fetcher.MessageOldest.
	DefaultOffset time.Time
	// Commit resolved offsets when this much time has passed since the
	// last commit (CommitOffsetsIfNecessary) ...
	AutoCommitInterval time.Duration
	// ... or when at least this many partitions have uncommitted offsets.
	AutoCommitThreshold int
	// Decompressors by codec type. Nil means None, Lz4, Zstd.
	Decompressors map[int16]batch.Decompressor
	Logger        *zap.Logger
	//
	mu            sync.Mutex
	client        *client.GroupClient
	logger        *zap.Logger
	cursor        offsets.Cursor
	memberId      string
	generationId  int32
	leaderId      string
	members       []JoinGroup.Member
	assignment    map[string][]int32
	fetchers      map[tp]*fetcher.PartitionFetcher
	lastHeartbeat time.Time
	lastCommit    time.Time
}

// init is idempotent. Callers must hold mu.
func (c *Group) init() {
	if c.client != nil {
		return
	}
	c.client = &client.GroupClient{
		Bootstrap: c.Bootstrap,
		GroupId:   c.GroupId,
	}
	c.logger = c.Logger
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.Assigner == nil {
		c.Assigner = &assigners.RoundRobin{Bootstrap: c.Bootstrap, Topics: c.Topics}
	}
	if c.Decompressors == nil {
		c.Decompressors = defaultDecompressors()
	}
	if c.MinBytes == 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 1 << 20
	}
	if c.MaxWaitTimeMs == 0 {
		c.MaxWaitTimeMs = 500
	}
	c.fetchers = make(map[tp]*fetcher.PartitionFetcher)
	c.lastCommit = time.Now()
}

func (c *Group) autoCommitInterval() time.Duration {
	if c.AutoCommitInterval > 0 {
		return c.AutoCommitInterval
	}
	return DefaultAutoCommitInterval
}

func (c *Group) autoCommitThreshold() int {
	if c.AutoCommitThreshold > 0 {
		return c.AutoCommitThreshold
	}
	return DefaultAutoCommitThreshold
}

func (c *Group) defaultOffset() time.Time {
	if c.DefaultOffset.IsZero() {
		return fetcher.MessageNewest
	}
	return c.DefaultOffset
}

// classifyCode maps a kafka protocol error code onto the sentinel errors the
// runner's recovery taxonomy recognizes. Unrecognized codes surface as plain
// libkafka errors and get the generic retry treatment.
func classifyCode(code int16) error {
	err := &libkafka.Error{Code: code}
	switch code {
	case libkafka.ERR_REBALANCE_IN_PROGRESS:
		return kafkarunner.Errorf("%w: %v", kafkarunner.ErrRebalanceInProgress, err)
	case libkafka.ERR_NOT_COORDINATOR_FOR_GROUP:
		return kafkarunner.Errorf("%w: %v", kafkarunner.ErrNotCoordinator, err)
	case libkafka.ERR_UNKNOWN_MEMBER_ID:
		return kafkarunner.Errorf("%w: %v", kafkarunner.ErrUnknownMemberId, err)
	case libkafka.ERR_OFFSET_OUT_OF_RANGE:
		return kafkarunner.Errorf("%w: %v", kafkarunner.ErrOffsetOutOfRange, err)
	default:
		return err
	}
}

func classify(err error) error {
	var ke *libkafka.Error
	if errors.As(err, &ke) {
		return classifyCode(ke.Code)
	}
	return err
}

// Join makes a single JoinGroup call and records the member, generation, and
// leader the coordinator assigned. On a clean slate (empty member id) the
// coordinator hands out a fresh identity.
func (c *Group) Join() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	req := &client.JoinGroupRequest{
		MemberId:     c.memberId,
		ProtocolType: c.Assigner.Type(),
		ProtocolName: c.Assigner.Name(),
		Metadata:     c.Assigner.Meta(c.memberId),
	}
	resp, err := c.client.Join(req)
	if err != nil {
		c.client.Close() // will reconnect on next call
		return kafkarunner.Errorf("error joining group %s: %w", c.GroupId, err)
	}
	if resp.ErrorCode != libkafka.ERR_NONE {
		return classifyCode(resp.ErrorCode)
	}
	c.memberId = resp.MemberId
	c.generationId = resp.GenerationId
	c.leaderId = resp.LeaderId
	c.members = resp.Members
	return nil
}

func parseAssignment(b []byte) (map[string][]int32, error) {
	if len(b) == 0 {
		return map[string][]int32{}, nil
	}
	var assignment map[string][]int32
	if err := json.Unmarshal(b, &assignment); err != nil {
		return nil, kafkarunner.Errorf("error parsing assignment: %w", err)
	}
	return assignment, nil
}

// Sync completes the handshake: the leader computes assignments for all
// members, everybody learns their own. The partition fetchers are rebuilt
// for the new assignment and positioned at the committed offsets (or at
// DefaultOffset where nothing has been committed). The cursor is reset: any
// uncommitted progress belongs to the previous generation.
func (c *Group) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	assignments, err := c.Assigner.Assign(c.members)
	if err != nil {
		return kafkarunner.Errorf("error computing assignments: %w", err)
	}
	req := &client.SyncGroupRequest{
		MemberId:     c.memberId,
		GenerationId: c.generationId,
		Assignments:  assignments,
	}
	resp, err := c.client.Sync(req)
	if err != nil {
		c.client.Close()
		return kafkarunner.Errorf("error syncing group %s: %w", c.GroupId, err)
	}
	if resp.ErrorCode != libkafka.ERR_NONE {
		return classifyCode(resp.ErrorCode)
	}
	assignment, err := parseAssignment(resp.Assignment)
	if err != nil {
		return err
	}
	c.assignment = assignment
	return c.rebuildFetchers()
}

// rebuildFetchers closes the previous generation's fetchers and builds and
// positions one fetcher per owned partition. Callers must hold mu.
func (c *Group) rebuildFetchers() error {
	for _, f := range c.fetchers {
		f.Close()
	}
	c.fetchers = make(map[tp]*fetcher.PartitionFetcher)
	c.cursor.Assign()
	for topic, partitions := range c.assignment {
		for _, partition := range partitions {
			f := &fetcher.PartitionFetcher{
				PartitionClient: client.PartitionClient{
					Bootstrap: c.Bootstrap,
					Topic:     topic,
					Partition: partition,
				},
				MinBytes:      c.MinBytes,
				MaxBytes:      c.MaxBytes,
				MaxWaitTimeMs: c.MaxWaitTimeMs,
			}
			offset, err := c.client.FetchOffset(topic, partition)
			if err != nil {
				c.client.Close()
				return kafkarunner.Errorf("error fetching offset for %s[%d]: %w",
					topic, partition, err)
			}
			if offset < 0 {
				if err := f.Seek(c.defaultOffset()); err != nil {
					f.Close()
					return kafkarunner.Errorf("error seeking %s[%d]: %w",
						topic, partition, err)
				}
			} else {
				f.SetOffset(offset)
				c.cursor.SetCommitted(topic, partition, offset)
			}
			c.fetchers[tp{topic, partition}] = f
			c.logger.Debug("partition assigned",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Int64("offset", f.Offset()),
			)
		}
	}
	return nil
}

// Heartbeat makes a single Heartbeat call, unless one succeeded less than
// interval ago, in which case it is a nop. The runner calls this after every
// message and at the end of every fetch cycle; the throttle is what turns
// that into the configured cadence.
func (c *Group) Heartbeat(interval time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	if time.Since(c.lastHeartbeat) < interval {
		return nil
	}
	resp, err := c.client.Heartbeat(c.memberId, c.generationId)
	if err != nil {
		c.client.Close()
		return kafkarunner.Errorf("error heartbeating group %s: %w", c.GroupId, err)
	}
	if resp.ErrorCode != libkafka.ERR_NONE {
		return classifyCode(resp.ErrorCode)
	}
	c.lastHeartbeat = time.Now()
	return nil
}

// CommitOffsets commits the given offsets to the group coordinator. Nil
// means commit everything resolved and not yet committed. Committing nothing
// is a nop.
func (c *Group) CommitOffsets(offs offsets.Offsets) error {
	if offs == nil {
		offs = c.cursor.Uncommitted()
	}
	if offs.Count() == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	for topic, partitions := range offs {
		for partition, offset := range partitions {
			if err := c.client.CommitOffset(topic, partition, offset, -1); err != nil {
				c.client.Close()
				return classify(kafkarunner.Errorf("error committing %s[%d]: %w",
					topic, partition, err))
			}
			c.cursor.SetCommitted(topic, partition, offset)
		}
	}
	c.lastCommit = time.Now()
	return nil
}

// CommitOffsetsIfNecessary commits all resolved offsets when the auto commit
// interval has elapsed or the uncommitted count has reached the threshold.
func (c *Group) CommitOffsetsIfNecessary() error {
	c.mu.Lock()
	c.init()
	elapsed := time.Since(c.lastCommit)
	c.mu.Unlock()
	if elapsed < c.autoCommitInterval() && c.cursor.Uncommitted().Count() < c.autoCommitThreshold() {
		return nil
	}
	return c.CommitOffsets(nil)
}

func (c *Group) UncommittedOffsets() offsets.Offsets {
	return c.cursor.Uncommitted()
}

// ResolveOffset marks the message at offset processed: offset+1 becomes
// eligible for commit.
func (c *Group) ResolveOffset(topic string, partition int32, offset int64) {
	c.cursor.Resolve(topic, partition, offset)
}

// Seek requests repositioning the partition read cursor. Any in-flight batch
// for the partition goes stale; the next fetch starts from offset.
func (c *Group) Seek(topic string, partition int32, offset int64) {
	c.cursor.Seek(topic, partition, offset)
}

func (c *Group) HasSeekOffset(topic string, partition int32) bool {
	return c.cursor.HasSeek(topic, partition)
}

func (c *Group) State() runner.GroupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	return runner.GroupState{
		GroupId:    c.GroupId,
		MemberId:   c.memberId,
		LeaderId:   c.leaderId,
		Protocol:   c.Assigner.Name(),
		Assignment: c.assignment,
	}
}

// ClearMemberId forgets the coordinator-assigned identity. The next Join
// will be treated as a brand new member.
func (c *Group) ClearMemberId() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memberId = ""
}

// Leave makes a single LeaveGroup call and closes the partition fetchers and
// the coordinator connection. Nop when the member never joined.
func (c *Group) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	if c.memberId == "" {
		return nil
	}
	for _, f := range c.fetchers {
		f.Close()
	}
	c.fetchers = make(map[tp]*fetcher.PartitionFetcher)
	resp, err := c.client.Leave(c.memberId)
	defer c.client.Close()
	if err != nil {
		return kafkarunner.Errorf("error leaving group %s: %w", c.GroupId, err)
	}
	if resp.ErrorCode != libkafka.ERR_NONE {
		return classifyCode(resp.ErrorCode)
	}
	c.memberId = ""
	return nil
}

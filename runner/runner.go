package runner

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mkocikowski/kafkarunner"
	"github.com/mkocikowski/kafkarunner/instrument"
	"github.com/mkocikowski/kafkarunner/limiter"
	"github.com/mkocikowski/kafkarunner/offsets"
	"github.com/mkocikowski/kafkarunner/retry"
)

// GroupState is a snapshot of the member's view of the group, taken after a
// successful join+sync.
type GroupState struct {
	GroupId    string
	MemberId   string
	LeaderId   string
	Protocol   string
	Assignment map[string][]int32
}

func (s GroupState) IsLeader() bool {
	return s.MemberId != "" && s.MemberId == s.LeaderId
}

// ConsumerGroup is the collaborator the runner drives. Implemented by
// groups.Group; tests substitute fakes. Commit, heartbeat, and resolve may be
// called from multiple partition tasks concurrently, implementations must
// serialize internally.
type ConsumerGroup interface {
	Join() error
	Sync() error
	Leave() error
	Fetch() ([]*kafkarunner.Batch, error)
	// Heartbeat is self throttling: it is a nop when called again before
	// interval has elapsed.
	Heartbeat(interval time.Duration) error
	// CommitOffsets commits the given offsets, or every resolved
	// uncommitted offset when offs is nil.
	CommitOffsets(offs offsets.Offsets) error
	// CommitOffsetsIfNecessary commits when the group's auto-commit
	// interval or threshold has been reached.
	CommitOffsetsIfNecessary() error
	UncommittedOffsets() offsets.Offsets
	ResolveOffset(topic string, partition int32, offset int64)
	HasSeekOffset(topic string, partition int32) bool
	State() GroupState
	// ClearMemberId forgets the member id so that the next join
	// re-identifies with the coordinator.
	ClearMemberId()
}

// EachMessageFunc is the message-at-a-time handler.
type EachMessageFunc func(topic string, partition int32, m *kafkarunner.Message) error

// EachBatchFunc is the whole-batch handler. The context carries the batch and
// the offset/heartbeat/commit control surface.
type EachBatchFunc func(c *BatchContext) error

// Runner drives one group member. Set the public fields before calling Start,
// do not change them after. Exactly one of EachMessage and EachBatch must be
// set.
type Runner struct {
	Group   ConsumerGroup
	Emitter instrument.Emitter // nil means discard events
	Logger  *zap.Logger        // nil means no logging
	// Called exactly once with the error that killed the runner.
	OnCrash func(error)
	//
	EachMessage EachMessageFunc
	EachBatch   EachBatchFunc
	// Skip resolving the batch's last offset after EachBatch returns.
	// Leave false unless the handler resolves offsets itself (for
	// example to support stopping mid-batch).
	DisableBatchAutoResolve bool
	// Skip the automatic commit of resolved offsets after each fetch
	// cycle and the interval/threshold commits between messages.
	DisableAutoCommit bool
	// Minimum time between heartbeats. Must be >0.
	HeartbeatInterval time.Duration
	// How many partitions are processed in parallel within one fetch
	// cycle. <1 means 1.
	Concurrency int
	Retry       retry.Config
	// Skip the 1-second poll in Stop. Set by tests.
	TestMode bool
	//
	running   atomic.Bool
	consuming atomic.Bool
	crashed   sync.Once
	startMu   sync.Mutex
	logger    *zap.Logger
	emitter   instrument.Emitter
	limiter   *limiter.Limiter
	once      sync.Once
}

func (r *Runner) initialize() {
	r.once.Do(func() {
		r.logger = r.Logger
		if r.logger == nil {
			r.logger = zap.NewNop()
		}
		r.emitter = r.Emitter
		if r.emitter == nil {
			r.emitter = &instrument.Nop{}
		}
		if r.Concurrency < 1 {
			r.Concurrency = 1
		}
		r.limiter = limiter.New(r.Concurrency)
	})
}

var ErrConfig = kafkarunner.Errorf("runner misconfigured")

func (r *Runner) validate() error {
	if r.Group == nil {
		return kafkarunner.Errorf("%w: Group must be set", ErrConfig)
	}
	if r.HeartbeatInterval <= 0 {
		return kafkarunner.Errorf("%w: HeartbeatInterval must be >0", ErrConfig)
	}
	if (r.EachMessage == nil) == (r.EachBatch == nil) {
		return kafkarunner.Errorf("%w: exactly one of EachMessage and EachBatch must be set", ErrConfig)
	}
	return nil
}

// Start joins the group and launches the fetch loop. Idempotent: calling
// Start on a running runner is a nop. A configuration error is returned
// directly; a join error is routed to OnCrash and Start returns nil, like any
// later fatal error would be.
func (r *Runner) Start() error {
	if err := r.validate(); err != nil {
		return err
	}
	r.initialize()
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.running.Load() {
		return nil
	}
	if err := r.join(); err != nil {
		r.crash(err)
		return nil
	}
	r.running.Store(true)
	go r.scheduleFetch()
	return nil
}

// Stop flips the running flag, waits for the in-flight fetch cycle to drain
// (skipped in test mode), and leaves the group. Best effort: leave errors are
// swallowed. Calling Stop on a stopped runner is a nop.
func (r *Runner) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.logger.Debug("stopping consumer")
	if !r.TestMode {
		r.waitForConsumer()
	}
	if err := r.Group.Leave(); err != nil {
		r.logger.Debug("error leaving group", zap.Error(err))
	}
	r.logger.Debug("consumer stopped")
}

func (r *Runner) waitForConsumer() {
	for r.consuming.Load() {
		r.logger.Debug("waiting for consumer to finish")
		time.Sleep(time.Second)
	}
}

// crash records the fatal error exactly once. Later errors are suppressed:
// the runner is already dead.
func (r *Runner) crash(err error) {
	r.running.Store(false)
	r.crashed.Do(func() {
		r.logger.Error("consumer crashed", zap.Error(err))
		if r.OnCrash != nil {
			r.OnCrash(err)
		}
	})
}

// join runs the join+sync handshake under the retry policy and emits the
// group join event. Rebalance and coordinator-moved errors are retried with
// backoff (recovery needs a fresh find-coordinator round, which the delay
// accommodates); anything else bails. Sets running on success: when the fetch
// loop re-joins after a rebalance this is what restores the flag.
func (r *Runner) join() error {
	return retry.Do(r.Retry, func(c *retry.Context) error {
		start := time.Now()
		err := r.Group.Join()
		if err == nil {
			err = r.Group.Sync()
		}
		if err != nil {
			if errors.Is(err, kafkarunner.ErrRebalanceInProgress) || errors.Is(err, kafkarunner.ErrNotCoordinator) {
				r.logger.Error("error joining group, retrying",
					zap.Error(err),
					zap.Int("attempt", c.Attempt),
					zap.Duration("elapsed", c.Elapsed()),
				)
				return kafkarunner.Errorf("joining group: %w", err)
			}
			return retry.Bail(err)
		}
		r.running.Store(true)
		s := r.Group.State()
		r.emitter.Emit(instrument.GroupJoin, instrument.GroupJoinPayload{
			GroupId:          s.GroupId,
			MemberId:         s.MemberId,
			LeaderId:         s.LeaderId,
			IsLeader:         s.IsLeader(),
			MemberAssignment: s.Assignment,
			GroupProtocol:    s.Protocol,
			Duration:         time.Since(start),
		})
		r.logger.Info("joined group",
			zap.String("group", s.GroupId),
			zap.String("member", s.MemberId),
			zap.Bool("leader", s.IsLeader()),
		)
		return nil
	})
}

// scheduleFetch drives fetch cycles until the runner stops or crashes. Each
// cycle runs under the retry policy; the error taxonomy is: rebalance or
// coordinator moved means re-join, unknown member means clear the member id
// and re-join, offset out of range is swallowed (the group already
// repositioned the cursor), not-implemented is fatal, anything else is
// retried and crashes the runner when the budget runs out.
func (r *Runner) scheduleFetch() {
	for r.running.Load() {
		err := retry.Do(r.Retry, func(c *retry.Context) error {
			if !r.running.Load() {
				r.logger.Debug("consumer not running, exiting fetch loop")
				return nil
			}
			r.consuming.Store(true)
			defer r.consuming.Store(false)
			if err := r.fetch(); err != nil {
				return r.recover(c, err)
			}
			return nil
		})
		if err != nil {
			r.crash(err)
			return
		}
	}
	r.logger.Debug("fetch loop done")
}

func (r *Runner) recover(c *retry.Context, err error) error {
	if !r.running.Load() {
		r.logger.Debug("consumer not running, dropping fetch error", zap.Error(err))
		return nil
	}
	switch {
	case errors.Is(err, kafkarunner.ErrRebalanceInProgress), errors.Is(err, kafkarunner.ErrNotCoordinator):
		r.logger.Error("group is rebalancing, re-joining",
			zap.Error(err),
			zap.Int("attempt", c.Attempt),
		)
		if err := r.join(); err != nil {
			return retry.Bail(err)
		}
		return nil
	case errors.Is(err, kafkarunner.ErrUnknownMemberId):
		r.logger.Error("coordinator does not know this member, re-joining", zap.Error(err))
		r.Group.ClearMemberId()
		if err := r.join(); err != nil {
			return retry.Bail(err)
		}
		return nil
	case errors.Is(err, kafkarunner.ErrOffsetOutOfRange):
		r.logger.Warn("fetch offset out of range, cursor has been repositioned", zap.Error(err))
		return nil
	case errors.Is(err, kafkarunner.ErrNotImplemented):
		return retry.Bail(err)
	default:
		return err
	}
}

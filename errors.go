package kafkarunner

import (
	"errors"
	"fmt"

	"github.com/mkocikowski/libkafka"
)

func Errorf(format string, v ...interface{}) error {
	return &Error{fmt.Errorf(format, v...)}
}

// Error wraps error and implements MarshalJSON so that errors that are parts
// of structs are properly serialized.
type Error struct {
	error
}

func (e *Error) Unwrap() error {
	return e.error
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.Error() + `"`), nil
}

// Sentinel errors for the broker responses the runner reacts to. The groups
// package maps libkafka error codes onto these; match with errors.Is.
var (
	// The group is rebalancing. Recovered by re-joining.
	ErrRebalanceInProgress = &Error{errors.New("group rebalance in progress")}
	// The coordinator moved. Recovered by re-joining (the group client
	// re-runs coordinator discovery on its next call).
	ErrNotCoordinator = &Error{errors.New("not coordinator for group")}
	// The coordinator does not know this member. Recovered by clearing the
	// member id and re-joining.
	ErrUnknownMemberId = &Error{errors.New("unknown member id")}
	// The fetch offset is outside the range of the partition log. The
	// group repositions the partition cursor; the runner carries on.
	ErrOffsetOutOfRange = &Error{errors.New("offset out of range")}
	// Fatal: a requested feature is not implemented.
	ErrNotImplemented = &Error{errors.New("not implemented")}
)

var sentinels = []error{
	ErrRebalanceInProgress,
	ErrNotCoordinator,
	ErrUnknownMemberId,
	ErrOffsetOutOfRange,
	ErrNotImplemented,
}

// IsKafkaError says whether err is a recognized kafka domain error: one of
// the sentinels above or a libkafka protocol error. User handler errors that
// are not kafka errors get logged with a stack before they propagate, kafka
// errors do not (the scheduler classifies and logs those itself).
func IsKafkaError(err error) bool {
	var ke *libkafka.Error
	if errors.As(err, &ke) {
		return true
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

package activitypub

import (
	"errors"
	"fmt"
)

var (
	ErrFetch             = errors.New("remote fetch failed")
	ErrDeletedActor      = errors.New("actor is deleted")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrUnknownActor      = errors.New("unknown actor")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUnknownCommunity  = errors.New("unknown community")
	ErrUnsupportedType   = errors.New("unsupported activity type")
	ErrMalformed         = errors.New("malformed activity")
	ErrApplicationFailed = errors.New("application failed")

	// ErrConflictingReplay is returned when a known activity id arrives
	// again with a different payload.
	ErrConflictingReplay = errors.New("activity id replayed with different payload")
)

// Stage names the dispatch step an inbound activity failed at.
type Stage string

const (
	StageSignature Stage = "signature"
	StageParse     Stage = "parse"
	StageAdmission Stage = "admission"
	StageAuthority Stage = "authority"
	StageApply     Stage = "apply"
)

// DispatchError wraps one of the sentinel errors above with the stage that
// produced it. Use errors.Is against the sentinels to classify it.
type DispatchError struct {
	Stage      Stage
	ActivityID string
	Err        error
}

func (e *DispatchError) Error() string {
	if e.ActivityID == "" {
		return fmt.Sprintf("dispatch %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("dispatch %s %s: %v", e.Stage, e.ActivityID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Security reports whether the failure must be logged as a security event.
func (e *DispatchError) Security() bool {
	return errors.Is(e.Err, ErrSignatureMismatch) ||
		errors.Is(e.Err, ErrUnauthorized) ||
		errors.Is(e.Err, ErrConflictingReplay)
}

package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/deemkeen/fedcore/domain"
	"go.uber.org/zap"
)

// SignatureVerifier authenticates an inbound request and names its signer.
type SignatureVerifier interface {
	Verify(ctx context.Context, r *http.Request, body []byte) (string, error)
}

// Authorizer decides whether an activity is permitted.
type Authorizer interface {
	Authorize(ctx context.Context, act *domain.Activity) (*domain.CommunityContext, error)
}

// Applier performs the local mutation of an authorized activity.
type Applier interface {
	Apply(ctx context.Context, act *domain.Activity, community *domain.CommunityContext) error
}

// Dispatcher runs inbound activities through verification, deduplication,
// authorization and application. Activities on the same object are
// serialized; everything else runs concurrently.
type Dispatcher struct {
	verifier  SignatureVerifier
	ledger    Ledger
	authority Authorizer
	applier   Applier
	locks     *KeyLock
	log       *zap.Logger
}

func NewDispatcher(verifier SignatureVerifier, ledger Ledger, authority Authorizer, applier Applier, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		verifier:  verifier,
		ledger:    ledger,
		authority: authority,
		applier:   applier,
		locks:     NewKeyLock(),
		log:       log.Named("inbox"),
	}
}

// Dispatch processes one signed inbound request. A nil error means the
// activity was applied or was a harmless duplicate. Failures are
// *DispatchError values.
func (d *Dispatcher) Dispatch(ctx context.Context, r *http.Request, body []byte) error {
	signer, err := d.verifier.Verify(ctx, r, body)
	if err != nil {
		return d.fail(&DispatchError{Stage: StageSignature, Err: err}, "")
	}

	act, err := domain.ParseActivity(body)
	if err != nil {
		return d.fail(&DispatchError{Stage: StageParse, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}, "")
	}
	if act.Actor != signer {
		err := fmt.Errorf("%w: activity actor %s is not the signer %s", ErrSignatureMismatch, act.Actor, signer)
		return d.fail(&DispatchError{Stage: StageSignature, ActivityID: act.ID, Err: err}, act.Type)
	}
	if err := validateShape(act); err != nil {
		return d.fail(&DispatchError{Stage: StageParse, ActivityID: act.ID, Err: err}, act.Type)
	}

	unlock, err := d.locks.Lock(ctx, act.ObjectKey())
	if err != nil {
		return d.fail(&DispatchError{Stage: StageAdmission, ActivityID: act.ID, Err: fmt.Errorf("%w: %v", ErrApplicationFailed, err)}, act.Type)
	}
	defer unlock()

	hash := PayloadHash(body)
	admitted, err := d.ledger.Admit(ctx, act.ID, hash)
	if err != nil {
		return d.fail(&DispatchError{Stage: StageAdmission, ActivityID: act.ID, Err: fmt.Errorf("%w: ledger: %v", ErrApplicationFailed, err)}, act.Type)
	}
	if !admitted {
		return d.duplicate(ctx, act, hash)
	}

	community, err := d.authority.Authorize(ctx, act)
	if err != nil {
		d.release(ctx, act.ID)
		return d.fail(&DispatchError{Stage: StageAuthority, ActivityID: act.ID, Err: err}, act.Type)
	}

	if err := d.applier.Apply(ctx, act, community); err != nil {
		d.release(ctx, act.ID)
		if !errors.Is(err, ErrApplicationFailed) {
			err = fmt.Errorf("%w: %w", ErrApplicationFailed, err)
		}
		return d.fail(&DispatchError{Stage: StageApply, ActivityID: act.ID, Err: err}, act.Type)
	}

	inboundActivities.WithLabelValues(string(act.Type), "accepted").Inc()
	d.log.Info("Applied activity",
		zap.String("activity", act.ID),
		zap.String("type", string(act.Type)),
		zap.String("actor", act.Actor),
		zap.String("community", community.CommunityURI))
	return nil
}

func (d *Dispatcher) duplicate(ctx context.Context, act *domain.Activity, hash string) error {
	entry, err := d.ledger.Lookup(ctx, act.ID)
	if err != nil {
		d.log.Error("Ledger lookup failed", zap.String("activity", act.ID), zap.Error(err))
	}
	if entry != nil && entry.PayloadHash != hash {
		return d.fail(&DispatchError{Stage: StageAdmission, ActivityID: act.ID, Err: ErrConflictingReplay}, act.Type)
	}

	inboundActivities.WithLabelValues(string(act.Type), "duplicate").Inc()
	d.log.Debug("Duplicate activity", zap.String("activity", act.ID))
	return nil
}

// release forgets an admitted activity that was not applied, so the peer's
// own retry is processed instead of being taken for a duplicate.
func (d *Dispatcher) release(ctx context.Context, activityID string) {
	if err := d.ledger.Release(context.WithoutCancel(ctx), activityID); err != nil {
		d.log.Error("Ledger release failed", zap.String("activity", activityID), zap.Error(err))
	}
}

func (d *Dispatcher) fail(err *DispatchError, typ domain.ActivityType) error {
	inboundActivities.WithLabelValues(string(typ), outcome(err)).Inc()

	fields := []zap.Field{
		zap.String("stage", string(err.Stage)),
		zap.String("activity", err.ActivityID),
		zap.String("type", string(typ)),
		zap.Error(err.Err),
	}
	switch {
	case err.Security():
		d.log.Warn("Rejected activity", append(fields, zap.Bool("security", true))...)
	case errors.Is(err, ErrApplicationFailed):
		d.log.Error("Failed to apply activity", fields...)
	default:
		d.log.Info("Rejected activity", fields...)
	}
	return err
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrConflictingReplay):
		return "conflict"
	case errors.Is(err, ErrSignatureMismatch), errors.Is(err, ErrUnknownActor):
		return "rejected_signature"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrUnsupportedType), errors.Is(err, ErrUnknownCommunity):
		return "invalid"
	default:
		return "failed"
	}
}

// validateShape enforces the per-type structure handlers rely on.
func validateShape(act *domain.Activity) error {
	if !act.Type.Known() {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, act.Type)
	}
	// Servers only mint ids on their own host.
	if !sameOrigin(act.ID, act.Actor) {
		return fmt.Errorf("%w: activity %s is not on the host of %s", ErrMalformed, act.ID, act.Actor)
	}

	switch act.Type {
	case domain.TypeCreate:
		var obj domain.PageObject
		if err := act.Object.Decode(&obj); err != nil {
			return fmt.Errorf("%w: create needs an embedded object: %v", ErrMalformed, err)
		}
		if obj.AttributedTo != act.Actor {
			return fmt.Errorf("%w: object attributed to %q, not the actor", ErrMalformed, obj.AttributedTo)
		}
		if !sameOrigin(obj.ID, act.Actor) {
			return fmt.Errorf("%w: object %s is not on the host of %s", ErrMalformed, obj.ID, act.Actor)
		}
	case domain.TypeUpdate:
		if act.Object.ID != act.Actor {
			var obj domain.PageObject
			if err := act.Object.Decode(&obj); err != nil {
				return fmt.Errorf("%w: update needs an embedded object: %v", ErrMalformed, err)
			}
		}
	case domain.TypeUndo:
		inner, err := act.Inner()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch inner.Type {
		case domain.TypeFollow, domain.TypeLike, domain.TypeDislike, domain.TypeRemove:
		default:
			return fmt.Errorf("%w: undo of %s", ErrUnsupportedType, inner.Type)
		}
	case domain.TypeAccept:
		if act.Object.Embedded() && act.Object.Type() != string(domain.TypeFollow) {
			return fmt.Errorf("%w: accept of %s", ErrUnsupportedType, act.Object.Type())
		}
	}
	return nil
}

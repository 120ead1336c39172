package worldmodel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/worldmodel/internal/monitoring"
)

// ConfirmSupportBonus is added to an object's support for every Confirm vote.
const ConfirmSupportBonus = 100.0

// DefaultVerificationTimeout bounds a single verifier call.
const DefaultVerificationTimeout = 500 * time.Millisecond

// Vote is a verifier's verdict on an object.
type Vote int

const (
	VoteUnknown Vote = iota
	VoteDiscard
	VoteConfirm
)

func (v Vote) String() string {
	switch v {
	case VoteDiscard:
		return "discard"
	case VoteConfirm:
		return "confirm"
	}
	return "unknown"
}

// ParseVote maps a verdict name to a Vote. Anything unrecognised is
// VoteUnknown.
func ParseVote(s string) Vote {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "discard":
		return VoteDiscard
	case "confirm":
		return VoteConfirm
	}
	return VoteUnknown
}

// Verifier is an external check consulted after every fusion.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, obj Object) (Vote, error)
}

type voteResult struct {
	vote Vote
	err  error
}

// callVerifier runs one verifier with a bounded wait. A verifier that
// ignores its context is abandoned once the timeout expires.
func callVerifier(ctx context.Context, v Verifier, obj Object, timeout time.Duration) (Vote, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan voteResult, 1)
	go func() {
		vote, err := v.Verify(ctx, obj)
		done <- voteResult{vote, err}
	}()

	select {
	case r := <-done:
		return r.vote, r.err
	case <-ctx.Done():
		return VoteUnknown, fmt.Errorf("verifier %s: %w", v.Name(), ctx.Err())
	}
}

// verify consults every verifier in order. Each one sees the state left by
// the previous one. Discard does not stop the remaining calls and applied
// votes are never rolled back. Must be called with the model locked.
func (t *Tracker) verify(ctx context.Context, obj *TrackedObject) {
	for _, v := range t.verifiers {
		vote, err := callVerifier(ctx, v, obj.Object(), t.cfg.VerificationTimeout)
		if err != nil {
			monitoring.Logf("[Verification] %s failed for object %s: %v", v.Name(), obj.ID, err)
			continue
		}
		switch vote {
		case VoteDiscard:
			monitoring.Logf("[Verification] Discarded object %s due to discard vote from %s", obj.ID, v.Name())
			obj.State = StateDiscarded
		case VoteConfirm:
			monitoring.Logf("[Verification] Confirmation for object %s from %s", obj.ID, v.Name())
			obj.Support += ConfirmSupportBonus
		default:
			monitoring.Debugf("[Verification] %s cannot decide on object %s", v.Name(), obj.ID)
		}
	}
}

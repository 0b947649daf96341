// Package channel defines the contract between the dispatcher and the
// concrete transports.
package channel

import (
	"context"
	"errors"

	"github.com/jwalitptl/notify/internal/model"
)

type Reason string

const (
	ReasonNone Reason = ""
	// ReasonTransient failures are retried by the scheduler.
	ReasonTransient Reason = "transient"
	// ReasonInvalidTarget failures are never retried; the target is stale.
	ReasonInvalidTarget Reason = "invalid_target"
	// ReasonRejected failures are never retried; the provider refused the
	// request itself.
	ReasonRejected Reason = "rejected"
)

// ErrNoTarget is returned when the user has nothing registered on a channel.
var ErrNoTarget = errors.New("no delivery target registered")

// Message is what a sender delivers.
type Message struct {
	NotificationID string
	UserID         string
	Type           model.EventType
	Payload        model.Payload
}

type Result struct {
	Sent bool
	// Skipped means there was nothing to deliver to, such as a user without
	// push tokens.
	Skipped bool
	Reason  Reason
	Err     error
	// InvalidTargets lists concrete targets (push tokens, addresses) that
	// must be cleaned up, even when other targets succeeded.
	InvalidTargets []string
}

func Sent() Result { return Result{Sent: true} }

func Skipped(err error) Result { return Result{Skipped: true, Err: err} }

func Transient(err error) Result { return Result{Reason: ReasonTransient, Err: err} }

func Rejected(err error) Result { return Result{Reason: ReasonRejected, Err: err} }

// Retryable reports whether a failed result should be retried.
func (r Result) Retryable() bool {
	return r.Reason != ReasonInvalidTarget && r.Reason != ReasonRejected
}

func InvalidTarget(err error, targets ...string) Result {
	return Result{Reason: ReasonInvalidTarget, Err: err, InvalidTargets: targets}
}

type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, msg Message) Result
}

// Registry resolves senders by channel.
type Registry map[model.Channel]Sender

func NewRegistry(senders ...Sender) Registry {
	r := make(Registry, len(senders))
	for _, s := range senders {
		r[s.Channel()] = s
	}
	return r
}

// Send routes the message, failing transiently when no sender is wired.
func (r Registry) Send(ctx context.Context, userID string, ch model.Channel, msg Message) Result {
	s, ok := r[ch]
	if !ok {
		return Transient(errors.New("no sender for channel " + string(ch)))
	}
	msg.UserID = userID
	return s.Send(ctx, msg)
}

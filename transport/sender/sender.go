// Package sender gives goroutines outside the channel's sequence a
// blocking way to send.
//
// Transport and socket methods may only run on their runner, and report
// completion through a callback. Before Sender existed, callers had to do
// this by hand:
//
//	done := make(chan error, 1)
//	runner.Post(func() { sock.SendMessage(msg, func(err error) { done <- err }) })
//	err := <-done // easy to forget the ctx, easy to block forever
//
// Sender collapses this to one call:
//
//	err := sender.Send(ctx, msg)
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/risa-org/castchannel/message"
	"github.com/risa-org/castchannel/sequence"
)

// MessageSender is anything that queues a cast message and reports the
// outcome later on its runner. Transport and CastSocket both qualify.
type MessageSender interface {
	SendMessage(msg *message.CastMessage, done func(error))
}

// ErrStopped is returned when the runner no longer accepts tasks.
var ErrStopped = errors.New("channel sequence stopped")

// RequestIDKey is the JSON field application namespaces correlate on.
const RequestIDKey = "requestId"

// Sender wraps a MessageSender and the runner it lives on.
type Sender struct {
	target    MessageSender
	runner    sequence.Runner
	sourceID  string
	requestID atomic.Int64
}

// New creates a Sender posting sends for target onto runner. sourceID is
// stamped on messages built by SendJSON.
func New(target MessageSender, runner sequence.Runner, sourceID string) *Sender {
	return &Sender{target: target, runner: runner, sourceID: sourceID}
}

// Send queues msg and waits until every byte is written or the send fails.
// If ctx ends first Send returns ctx.Err(); the message may still go out.
func (s *Sender) Send(ctx context.Context, msg *message.CastMessage) error {
	result := make(chan error, 1)
	if !s.runner.Post(func() {
		s.target.SendMessage(msg, func(err error) { result <- err })
	}) {
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendJSON sends payload as a STRING message, adding a fresh request id.
// The id is returned even when the send fails, so a caller can log it.
// payload is not modified.
func (s *Sender) SendJSON(ctx context.Context, namespace, destinationID string, payload map[string]any) (int64, error) {
	id := s.requestID.Add(1)

	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body[RequestIDKey] = id

	data, err := json.Marshal(body)
	if err != nil {
		return id, fmt.Errorf("encode %s payload: %w", namespace, err)
	}
	msg := message.NewString(namespace, s.sourceID, destinationID, string(data))
	return id, s.Send(ctx, msg)
}

// LastRequestID is the most recently assigned request id, 0 before any.
func (s *Sender) LastRequestID() int64 {
	return s.requestID.Load()
}

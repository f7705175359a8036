// Package rpc defines the control contract the coordinator uses to reach
// remote signal-processing resources (VCCs, FSPs, power-controlled units).
//
// Every resource exposes synchronous attribute access, an asynchronous
// long-running command call that returns a correlation ID, and a
// change-notification subscription that delivers command completions and
// attribute-change events.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrUnreachable indicates the resource endpoint could not be contacted.
	ErrUnreachable = errors.New("resource unreachable")
	// ErrBadResponse indicates the resource answered with something the
	// contract does not allow.
	ErrBadResponse = errors.New("malformed resource response")
)

// CorrelationID identifies one issued asynchronous command on one resource.
type CorrelationID string

// CallStatus is the immediate status of an asynchronous command call.
type CallStatus string

const (
	CallOK       CallStatus = "OK"
	CallQueued   CallStatus = "QUEUED"
	CallRejected CallStatus = "REJECTED"
	CallFailed   CallStatus = "FAILED"
)

// Accepted reports whether the call was taken on by the resource and a
// completion event should be expected.
func (s CallStatus) Accepted() bool {
	return s == CallOK || s == CallQueued
}

// ResultStatus is the terminal status of an asynchronous command.
type ResultStatus string

const (
	ResultOK      ResultStatus = "OK"
	ResultFailed  ResultStatus = "FAILED"
	ResultAborted ResultStatus = "ABORTED"
)

// EventKind discriminates change-notification events.
type EventKind int

const (
	// EventCommandResult carries the terminal outcome of an issued command.
	EventCommandResult EventKind = iota
	// EventAttributeChange carries an arbitrary attribute update pushed by
	// the resource (for example a new delay model).
	EventAttributeChange
)

// Event is a single change notification delivered by a subscription.
type Event struct {
	Kind          EventKind
	CorrelationID CorrelationID // command-result events only
	Status        ResultStatus  // command-result events only
	Attribute     string        // attribute-change events only
	Payload       json.RawMessage
	Message       string
}

// EventHandler receives change notifications. Handlers must return quickly;
// slow work belongs on a separate worker.
type EventHandler func(Event)

// Client is the narrow control surface of one remote resource.
type Client interface {
	// ReadAttribute fetches the named attribute synchronously.
	ReadAttribute(ctx context.Context, name string) (json.RawMessage, error)

	// WriteAttribute sets the named attribute synchronously.
	WriteAttribute(ctx context.Context, name string, value any) error

	// Invoke issues an asynchronous command. A nil error with
	// CallRejected means the resource refused the command; the returned
	// correlation ID is only meaningful when the status is accepted.
	Invoke(ctx context.Context, command string, arg json.RawMessage) (CallStatus, CorrelationID, error)

	// Subscribe registers a change-notification handler. The returned
	// cancel function tears the subscription down; it is safe to call more
	// than once.
	Subscribe(ctx context.Context, handler EventHandler) (cancel func(), err error)
}

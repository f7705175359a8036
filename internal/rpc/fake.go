package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// FakeResource is an in-memory Client implementation honouring the full
// resource contract. It is used by orchestrator unit tests and by the
// end-to-end lifecycle tests, and can be scripted to reject, fail, or never
// complete individual commands.
type FakeResource struct {
	name string

	mu           sync.Mutex
	attrs        map[string]json.RawMessage
	handlers     map[int]EventHandler
	nextHandler  int
	nextCommand  int
	invoked      []InvokedCommand
	rejectCmds   map[string]bool
	failCmds     map[string]bool
	silentCmds   map[string]bool
	invokeErr    error
	subscribeErr error
}

// InvokedCommand records one Invoke call for test inspection.
type InvokedCommand struct {
	Command string
	Arg     json.RawMessage
}

// NewFakeResource builds a fake resource named for log/correlation purposes.
func NewFakeResource(name string) *FakeResource {
	return &FakeResource{
		name:       name,
		attrs:      make(map[string]json.RawMessage),
		handlers:   make(map[int]EventHandler),
		rejectCmds: make(map[string]bool),
		failCmds:   make(map[string]bool),
		silentCmds: make(map[string]bool),
	}
}

// RejectCommand makes the named command return CallRejected on Invoke.
func (f *FakeResource) RejectCommand(command string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectCmds[command] = true
}

// FailCommand makes the named command complete with ResultFailed.
func (f *FakeResource) FailCommand(command string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCmds[command] = true
}

// SilenceCommand makes the named command queue but never complete, so waits
// against it time out.
func (f *FakeResource) SilenceCommand(command string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silentCmds[command] = true
}

// SetInvokeError makes every Invoke fail with err, simulating an unreachable
// resource.
func (f *FakeResource) SetInvokeError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokeErr = err
}

// SetSubscribeError makes Subscribe fail with err.
func (f *FakeResource) SetSubscribeError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

func (f *FakeResource) ReadAttribute(_ context.Context, name string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.attrs[name]
	if !ok {
		return nil, fmt.Errorf("%w: attribute %q", ErrBadResponse, name)
	}
	return v, nil
}

func (f *FakeResource) WriteAttribute(_ context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attrs[name] = raw
	return nil
}

func (f *FakeResource) Invoke(_ context.Context, command string, arg json.RawMessage) (CallStatus, CorrelationID, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, InvokedCommand{Command: command, Arg: arg})
	if f.invokeErr != nil {
		err := f.invokeErr
		f.mu.Unlock()
		return CallFailed, "", err
	}
	if f.rejectCmds[command] {
		f.mu.Unlock()
		return CallRejected, "", nil
	}
	f.nextCommand++
	id := CorrelationID(fmt.Sprintf("%s-%s-%d", f.name, command, f.nextCommand))
	silent := f.silentCmds[command]
	status := ResultOK
	if f.failCmds[command] {
		status = ResultFailed
	}
	f.mu.Unlock()

	if !silent {
		f.deliver(Event{
			Kind:          EventCommandResult,
			CorrelationID: id,
			Status:        status,
			Message:       fmt.Sprintf("%s %s", command, status),
		})
	}
	return CallQueued, id, nil
}

func (f *FakeResource) Subscribe(_ context.Context, handler EventHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.nextHandler++
	key := f.nextHandler
	f.handlers[key] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, key)
	}, nil
}

// PushAttributeChange emits an attribute-change event to all subscribers.
func (f *FakeResource) PushAttributeChange(attribute string, payload json.RawMessage) {
	f.deliver(Event{
		Kind:      EventAttributeChange,
		Attribute: attribute,
		Payload:   payload,
	})
}

// Attr returns the last written value of an attribute, or nil if never set.
func (f *FakeResource) Attr(name string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrs[name]
}

// Invocations returns how many times the named command was invoked.
func (f *FakeResource) Invocations(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.invoked {
		if c.Command == command {
			n++
		}
	}
	return n
}

// LastArg returns the argument of the most recent invocation of command.
func (f *FakeResource) LastArg(command string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.invoked) - 1; i >= 0; i-- {
		if f.invoked[i].Command == command {
			return f.invoked[i].Arg
		}
	}
	return nil
}

func (f *FakeResource) deliver(ev Event) {
	f.mu.Lock()
	handlers := make([]EventHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

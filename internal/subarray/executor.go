package subarray

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
)

// ErrExecutorBusy indicates the command queue is full.
var ErrExecutorBusy = errors.New("command queue full")

// commandFunc is the body of one lifecycle command. It observes ctx as the
// cooperative cancellation signal, checked at the start of each internal
// step rather than mid remote-call.
type commandFunc func(ctx context.Context) (ResultCode, string)

type queuedCommand struct {
	id      string
	command string
	fn      commandFunc
}

// Executor runs lifecycle commands one at a time on a dedicated worker, so
// the command-issuing caller is never blocked. Each accepted command
// produces exactly one terminal CommandResult through the onResult hook.
type Executor struct {
	log      logging.Logger
	onResult func(CommandResult)
	queue    chan queuedCommand

	mu      sync.Mutex
	cancel  context.CancelFunc // cancels the currently running command
	stopped bool

	done chan struct{}
}

// NewExecutor starts the command worker. onResult must be non-nil and is
// invoked from the worker goroutine.
func NewExecutor(queueDepth int, onResult func(CommandResult), log logging.Logger) *Executor {
	if queueDepth < 1 {
		queueDepth = 1
	}
	if log == nil {
		log = logging.Noop()
	}
	e := &Executor{
		log:      log,
		onResult: onResult,
		queue:    make(chan queuedCommand, queueDepth),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

// Submit queues a command for execution and returns its command ID.
func (e *Executor) Submit(command string, fn commandFunc) (string, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", errors.New("executor stopped")
	}
	e.mu.Unlock()

	id := uuid.NewString()
	select {
	case e.queue <- queuedCommand{id: id, command: command, fn: fn}:
		return id, nil
	default:
		return "", ErrExecutorBusy
	}
}

// CancelRunning fires the cooperative cancellation signal of the command
// currently executing, if any. The command reports ABORTED once it observes
// the signal; steps already confirmed are not rolled back.
func (e *Executor) CancelRunning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Close stops the worker after the current command finishes. Queued but
// unstarted commands are discarded with an ABORTED result.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	close(e.queue)
	<-e.done
}

func (e *Executor) run() {
	defer close(e.done)
	for cmd := range e.queue {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			e.onResult(CommandResult{
				CommandID: cmd.id,
				Command:   cmd.command,
				Code:      ResultAborted,
				Message:   "coordinator shutting down",
			})
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.mu.Unlock()

		e.log.Info(ctx, "command started",
			logging.String("command", cmd.command),
			logging.String("command_id", cmd.id))
		code, msg := cmd.fn(ctx)

		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()

		e.log.Info(context.Background(), "command finished",
			logging.String("command", cmd.command),
			logging.String("command_id", cmd.id),
			logging.String("result", string(code)),
			logging.String("message", msg))
		e.onResult(CommandResult{
			CommandID: cmd.id,
			Command:   cmd.command,
			Code:      code,
			Message:   msg,
		})
	}
}

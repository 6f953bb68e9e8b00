package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/neoclaw-ai/llmbot/internal/logging"
)

const userVisibleHandlerError = "There was an error with your request. Check server logs for details"

// Dispatcher runs queued messages against a Handler. Messages that share a
// ConversationID run sequentially in FIFO order; different conversations
// run in parallel.
type Dispatcher struct {
	handler   Handler
	queueSize int

	stateMu sync.Mutex
	started bool
	closed  bool
	rootCtx context.Context
	lanes   map[string]*lane

	wg   sync.WaitGroup
	done chan struct{}
}

type lane struct {
	key        string
	queue      chan dispatchItem
	currentRun context.CancelFunc
	// pending counts enqueued messages that have not finished running.
	pending int
}

type dispatchItem struct {
	msg  *Message
	conv Conversation
}

// NewDispatcher creates a dispatcher whose per-conversation queues hold
// queueSize pending messages.
func NewDispatcher(handler Handler, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		handler:   handler,
		queueSize: queueSize,
		lanes:     make(map[string]*lane),
		done:      make(chan struct{}),
	}
}

// Start begins dispatching. Lanes stop when ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d == nil {
		return errors.New("dispatcher is required")
	}
	if d.handler == nil {
		return errors.New("handler is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.stateMu.Lock()
	if d.started {
		d.stateMu.Unlock()
		return errors.New("dispatcher already started")
	}
	d.started = true
	d.rootCtx = ctx
	d.stateMu.Unlock()

	go func() {
		<-ctx.Done()
		d.stateMu.Lock()
		d.closed = true
		d.stateMu.Unlock()
		d.wg.Wait()
		close(d.done)
	}()
	return nil
}

// Enqueue submits one message to its conversation's queue.
func (d *Dispatcher) Enqueue(ctx context.Context, msg *Message, conv Conversation) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if conv == nil {
		return errors.New("conversation is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	l, rootCtx, err := d.reserve(msg.ConversationID)
	if err != nil {
		return err
	}

	select {
	case <-rootCtx.Done():
		d.release(l)
		return rootCtx.Err()
	case <-ctx.Done():
		d.release(l)
		return ctx.Err()
	case l.queue <- dispatchItem{msg: msg, conv: conv}:
		return nil
	}
}

// Stop cancels in-flight runs and drains all queued pending messages.
func (d *Dispatcher) Stop() {
	d.stateMu.Lock()
	lanes := make([]*lane, 0, len(d.lanes))
	for _, l := range d.lanes {
		lanes = append(lanes, l)
		if l.currentRun != nil {
			l.currentRun()
			l.currentRun = nil
		}
	}
	d.stateMu.Unlock()

	for _, l := range lanes {
		d.drain(l)
	}
}

// WaitUntilIdle blocks until no message is running and all queues are empty.
func (d *Dispatcher) WaitUntilIdle(ctx context.Context) error {
	if d == nil {
		return errors.New("dispatcher is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if d.isIdle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait blocks until the start context is done and every lane has exited.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	<-d.done
}

// reserve returns the lane for key, creating it on first use, and counts
// one pending message against it.
func (d *Dispatcher) reserve(key string) (*lane, context.Context, error) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if !d.started {
		return nil, nil, errors.New("dispatcher is not started")
	}
	if d.closed {
		return nil, nil, context.Canceled
	}
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{key: key, queue: make(chan dispatchItem, d.queueSize)}
		d.lanes[key] = l
		d.wg.Add(1)
		go d.run(d.rootCtx, l)
	}
	l.pending++
	return l, d.rootCtx, nil
}

func (d *Dispatcher) release(l *lane) {
	d.stateMu.Lock()
	if l.pending > 0 {
		l.pending--
	}
	d.stateMu.Unlock()
}

func (d *Dispatcher) run(ctx context.Context, l *lane) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			d.setCurrentRun(l, nil)
			return
		case item := <-l.queue:
			if item.msg == nil || item.conv == nil {
				d.release(l)
				continue
			}
			runCtx, cancel := context.WithCancel(ctx)
			d.setCurrentRun(l, cancel)
			err := d.handler.HandleMessage(runCtx, item.conv, item.msg)
			d.setCurrentRun(l, nil)
			cancel()
			d.release(l)
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			logging.Logger().Error("message handling failed", "conversation", l.key, "err", err)
			if writeErr := item.conv.WriteMessage(ctx, userVisibleHandlerError); writeErr != nil {
				logging.Logger().Warn("failed to write handler error message", "conversation", l.key, "err", writeErr)
			}
		}
	}
}

func (d *Dispatcher) setCurrentRun(l *lane, cancel context.CancelFunc) {
	d.stateMu.Lock()
	l.currentRun = cancel
	d.stateMu.Unlock()
}

func (d *Dispatcher) isIdle() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if !d.started {
		return true
	}
	for _, l := range d.lanes {
		if l.pending > 0 {
			return false
		}
	}
	return true
}

func (d *Dispatcher) drain(l *lane) {
	for {
		select {
		case <-l.queue:
			d.release(l)
		default:
			return
		}
	}
}

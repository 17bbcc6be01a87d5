package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until work may be available on a queue or ctx ends.
type Waiter interface {
	WaitForNotification(ctx context.Context, queue string) error
}

// Notifier fans queue wakeups out to any number of idle workers.
type Notifier interface {
	Subscribe(queue string) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure the default notifier.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration
	Backoff    time.Duration
}

type queueListener struct {
	cancel context.CancelFunc
	subs   map[chan struct{}]struct{}
}

// QueueNotifier runs one listener goroutine per subscribed queue and shares it
// between all subscribers of that queue.
type QueueNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu     sync.Mutex
	queues map[string]*queueListener
}

// NewNotifier constructs a QueueNotifier.
func NewNotifier(opts NotifierOptions) (*QueueNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	n := &QueueNotifier{
		waiter:     opts.Waiter,
		waitWindow: opts.WaitWindow,
		backoff:    opts.Backoff,
		queues:     make(map[string]*queueListener),
	}
	if n.waitWindow <= 0 {
		n.waitWindow = time.Minute
	}
	if n.backoff <= 0 {
		n.backoff = 250 * time.Millisecond
	}
	return n, nil
}

// Subscribe returns a buffered wakeup channel for queue and a function that
// releases it. The listener for a queue stops with its last subscriber.
func (n *QueueNotifier) Subscribe(queue string) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := n.queues[queue]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		l = &queueListener{cancel: cancel, subs: make(map[chan struct{}]struct{})}
		n.queues[queue] = l
		go n.listen(ctx, queue)
	}

	ch := make(chan struct{}, 1)
	l.subs[ch] = struct{}{}

	var once sync.Once
	unsub := func() {
		once.Do(func() { n.release(queue, ch) })
	}
	return unsub, ch
}

func (n *QueueNotifier) release(queue string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := n.queues[queue]
	if !ok {
		return
	}
	if _, ok := l.subs[ch]; !ok {
		return
	}
	delete(l.subs, ch)
	drainAndClose(ch)
	if len(l.subs) == 0 {
		l.cancel()
		delete(n.queues, queue)
	}
}

// StopAll cancels every listener and closes every subscriber channel.
func (n *QueueNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for queue, l := range n.queues {
		l.cancel()
		for ch := range l.subs {
			drainAndClose(ch)
		}
		delete(n.queues, queue)
	}
}

func (n *QueueNotifier) listen(ctx context.Context, queue string) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, queue)
		cancel()

		// Wake subscribers on timeouts too so they fall back to polling.
		n.broadcast(queue)

		if err == nil || ctx.Err() != nil {
			continue
		}
		timer := time.NewTimer(n.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (n *QueueNotifier) broadcast(queue string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := n.queues[queue]
	if !ok {
		return
	}
	for ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose empties the buffer before closing so receivers observe the
// close immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*QueueNotifier)(nil)

package hal

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// PolledNotifier is an EdgeNotifier for converters without a usable alert
// line.  Run paces polling with a rate limiter and treats every poll as a
// conversion-ready edge on each subscribed pin.
type PolledNotifier struct {
	mu      sync.Mutex
	subs    map[int]EdgeFunc
	limiter *rate.Limiter
}

// NewPolledNotifier returns a notifier which fires at most hz times a second.
// hz <= 0 selects DefaultSampleRate.
func NewPolledNotifier(hz float64) *PolledNotifier {
	if hz <= 0 {
		hz = DefaultSampleRate
	}
	return &PolledNotifier{
		subs:    make(map[int]EdgeFunc),
		limiter: rate.NewLimiter(rate.Limit(hz), 1),
	}
}

// Subscribe registers cb for pin, replacing any existing callback.
// The edge is accepted for interface compatibility; polls have no polarity.
func (p *PolledNotifier) Subscribe(pin int, edge Edge, cb EdgeFunc) error {
	if cb == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[pin] = cb
	return nil
}

// Unsubscribe removes the callback on pin
func (p *PolledNotifier) Unsubscribe(pin int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, pin)
	return nil
}

// UnsubscribeAll removes every callback
func (p *PolledNotifier) UnsubscribeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = make(map[int]EdgeFunc)
}

// Subscribed reports if pin has a callback
func (p *PolledNotifier) Subscribed(pin int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[pin]
	return ok
}

// Fire invokes every callback once.  Callbacks run without the lock held.
func (p *PolledNotifier) Fire() {
	p.mu.Lock()
	pins := make([]int, 0, len(p.subs))
	cbs := make([]EdgeFunc, 0, len(p.subs))
	for pin, cb := range p.subs {
		pins = append(pins, pin)
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()
	for i, cb := range cbs {
		cb(pins[i])
	}
}

// Run polls until ctx is done.  poll, if not nil, is called before each
// notification; an error from it ends Run.
func (p *PolledNotifier) Run(ctx context.Context, poll func() error) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if poll != nil {
			if err := poll(); err != nil {
				return err
			}
		}
		p.Fire()
	}
}

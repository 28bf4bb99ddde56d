package hal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDepth is the number of samples a Sampler buffers before it starts
// discarding the oldest
const DefaultDepth = 16

// Sampler converts edge notifications on the ADC alert pin into a bounded
// stream of Samples.  The edge callback only signals a dedicated goroutine,
// which reads the level and publishes it; when the buffer is full the oldest
// sample is dropped so consumers always see the freshest data.
//
// A Sampler may be started and stopped repeatedly.  Only one goroutine should
// consume from it at a time.
type Sampler struct {
	hal   Interface
	pin   int
	edge  Edge
	depth int
	log   *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	last    Sample
	seq     uint64
	notify  chan struct{}
	samples chan Sample
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSampler returns a new sampler reading h on falling edges of pin.
// depth < 1 selects DefaultDepth; a nil logger discards output.
func NewSampler(h Interface, pin int, depth int, log *zap.SugaredLogger) *Sampler {
	if depth < 1 {
		depth = DefaultDepth
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Sampler{hal: h, pin: pin, edge: Falling, depth: depth, log: log}
}

// Start subscribes to the alert pin and launches the sampling goroutine.
// Starting a running sampler does nothing.
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.notify = make(chan struct{}, 1)
	s.samples = make(chan Sample, s.depth)
	s.done = make(chan struct{})
	s.seq = 0

	notify := s.notify
	cb := func(int) {
		// coalesce; the goroutine reads the freshest level anyway
		select {
		case notify <- struct{}{}:
		default:
		}
	}
	if err := s.hal.Subscribe(s.pin, s.edge, cb); err != nil {
		return fmt.Errorf("hal: subscribing to pin %d: %w", s.pin, err)
	}
	s.running = true
	s.wg.Add(1)
	go s.run(notify, s.samples, s.done)
	return nil
}

func (s *Sampler) run(notify <-chan struct{}, samples chan Sample, done <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-notify:
			lvl, err := s.hal.ReadLevel()
			if err != nil {
				s.log.Warnw("reading level after edge", "pin", s.pin, "err", err)
				continue
			}
			s.mu.Lock()
			s.seq++
			smp := Sample{Level: lvl, Time: time.Now(), Seq: s.seq}
			s.last = smp
			publish(samples, smp)
			s.mu.Unlock()
		}
	}
}

// publish never blocks: a full buffer loses its oldest entry.  Called with
// the lock held so Last never runs ahead of the channel.
func publish(ch chan Sample, smp Sample) {
	for {
		select {
		case ch <- smp:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// Stop unsubscribes from the alert pin and waits for the sampling goroutine
// to exit.  Stopping a stopped sampler does nothing.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	err := s.hal.Unsubscribe(s.pin)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("hal: unsubscribing pin %d: %w", s.pin, err)
	}
	return nil
}

// Next blocks until a sample is available, the timeout elapses, or ctx is
// done.  A timeout <= 0 waits without limit.  On timeout the error wraps
// ErrHardwareTimeout.
func (s *Sampler) Next(ctx context.Context, timeout time.Duration) (Sample, error) {
	s.mu.Lock()
	running, samples := s.running, s.samples
	s.mu.Unlock()
	if !running {
		return Sample{}, ErrSamplerStopped
	}
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case smp := <-samples:
		return smp, nil
	case <-expire:
		return Sample{}, fmt.Errorf("%w (waited %v on pin %d)", ErrHardwareTimeout, timeout, s.pin)
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

// Last returns the most recent sample, or the zero Sample if none has arrived
func (s *Sampler) Last() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Running reports if the sampler is started
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

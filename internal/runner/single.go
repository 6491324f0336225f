package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/baechuer/outboxcore/internal/connctx"
	"github.com/baechuer/outboxcore/internal/metrics"
	"github.com/baechuer/outboxcore/internal/muxlock"
	"github.com/baechuer/outboxcore/internal/notify"
	"github.com/baechuer/outboxcore/internal/relay"
	"github.com/baechuer/outboxcore/pkg/logger"
	"github.com/rs/zerolog"
)

var errStoppedWhileAcquiring = errors.New("runner: stopped while acquiring leadership")

// Single is the single-stream relay runner of spec.md §4.8: it holds
// leadership over one outbox (via a distributed static mutex), listens for
// NOTIFY wakeups on a fresh connection, and drives one relay.Relay on every
// wakeup, falling back to polling when wakeups are missed.
type Single struct {
	cc     *connctx.Context
	leader muxlock.StaticMutex
	relay  *relay.Relay
	opts   Options

	gate *muxlock.InMemoryStatic // local single-processing lock, not the leader mutex

	mu        sync.Mutex
	state     State
	dirty     bool
	pollTimer *time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
	wakeCh   chan struct{}
	fatalCh  chan error

	log zerolog.Logger
}

// NewSingle constructs a single-stream runner. leader is the distributed
// mutex contended for leadership; r is the relay to drive once leadership is
// held.
func NewSingle(cc *connctx.Context, leader muxlock.StaticMutex, r *relay.Relay, opts Options) *Single {
	return &Single{
		cc:      cc,
		leader:  leader,
		relay:   r,
		opts:    opts,
		gate:    muxlock.NewInMemoryStatic(),
		state:   StateIdle,
		stopCh:  make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
		fatalCh: make(chan error, 1),
		log:     logger.Component("runner.single"),
	}
}

// State reports the runner's current lifecycle position.
func (s *Single) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop requests shutdown. It does not abort an in-flight batch; Start
// returns once the current batch drains.
func (s *Single) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Start runs the full lifecycle and blocks until the runner stops, either
// because Stop was called or because the listener or a relay batch failed.
// A clean stop returns nil; a failure returns that failure.
func (s *Single) Start(ctx context.Context) error {
	s.setState(StateAcquiring)

	if err := s.acquireLeadership(ctx); err != nil {
		s.setState(StateStopped)
		if errors.Is(err, errStoppedWhileAcquiring) {
			return nil
		}
		return err
	}

	s.setState(StateListening)

	listenCtx, cancelListen := context.WithCancel(ctx)
	defer cancelListen()

	listenDone := make(chan error, 1)
	go func() {
		listener := notify.NewListener(s.cc, s.opts.ChannelName)
		listenDone <- listener.Listen(listenCtx, func(string) { s.trigger() })
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.runLoop(ctx)
	}()

	s.trigger() // drain any pre-existing rows

	var runErr error
	listenFinished := false
	select {
	case <-s.stopCh:
	case err := <-listenDone:
		listenFinished = true
		runErr = err
		s.Stop()
	case err := <-s.fatalCh:
		runErr = err
		s.Stop()
	}

	s.setState(StateDraining)
	cancelListen()
	if !listenFinished {
		<-listenDone
	}
	<-loopDone

	_ = s.leader.Unlock(context.Background())
	_ = s.cc.FlushSharedContext(context.Background())

	s.setState(StateStopped)
	return runErr
}

func (s *Single) acquireLeadership(ctx context.Context) error {
	started := time.Now()
	ticker := time.NewTicker(s.opts.LockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := s.leader.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			metrics.LockWaitSeconds.Observe(time.Since(started).Seconds())
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return errStoppedWhileAcquiring
		case <-ticker.C:
		}
	}
}

// trigger queues a process event without blocking. The wake channel holds at
// most one pending event, so a trigger that arrives while a batch is in
// flight makes the loop run one more batch right after it.
func (s *Single) trigger() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Single) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wakeCh:
			s.processBatch(ctx)
		}
	}
}

func (s *Single) processBatch(ctx context.Context) {
	ok, err := s.gate.TryLock(ctx)
	if err != nil {
		s.fail(err)
		return
	}
	if !ok {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
	s.mu.Unlock()

	n, err := s.relay.RelayBatch(ctx, s.opts.BatchSize, s.opts.CommitSize)

	_ = s.gate.Unlock(ctx)

	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	wasDirty := s.dirty
	s.dirty = false
	s.mu.Unlock()

	if n > 0 || wasDirty {
		s.trigger()
		return
	}
	s.schedulePoll()
}

func (s *Single) schedulePoll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollTimer = time.AfterFunc(s.opts.PollInterval, s.trigger)
}

func (s *Single) fail(err error) {
	select {
	case s.fatalCh <- err:
	default:
	}
	s.Stop()
}

func (s *Single) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Debug().Str("state", st.String()).Msg("runner state transition")
}

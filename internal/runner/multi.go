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

// streamState is one registered identifier's wakeup queue and poll/dirty
// bookkeeping within a Multi runner.
type streamState struct {
	relay  *relay.Relay
	wakeCh chan struct{}

	mu        sync.Mutex
	dirty     bool
	pollTimer *time.Timer
}

// Multi is the multi-stream relay runner of spec.md §4.8: one distributed
// leader election shared across every registered identifier, a central
// NOTIFY channel whose payload names the identifier to wake, and a
// per-identifier in-memory dynamic mutex gating concurrent processing of
// that one identifier.
type Multi struct {
	cc      *connctx.Context
	leader  muxlock.StaticMutex
	streams map[string]*streamState
	opts    Options
	gate    *muxlock.InMemoryDynamic

	mu    sync.Mutex
	state State

	stopCh   chan struct{}
	stopOnce sync.Once
	fatalCh  chan error

	log zerolog.Logger
}

// NewMulti constructs a multi-stream runner. relays maps identifier (the
// expected central-channel NOTIFY payload) to the relay that serves it.
func NewMulti(cc *connctx.Context, leader muxlock.StaticMutex, relays map[string]*relay.Relay, opts Options) *Multi {
	streams := make(map[string]*streamState, len(relays))
	for id, r := range relays {
		streams[id] = &streamState{relay: r, wakeCh: make(chan struct{}, 1)}
	}
	return &Multi{
		cc:      cc,
		leader:  leader,
		streams: streams,
		opts:    opts,
		gate:    muxlock.NewInMemoryDynamic(),
		state:   StateIdle,
		stopCh:  make(chan struct{}),
		fatalCh: make(chan error, 1),
		log:     logger.Component("runner.multi"),
	}
}

func (m *Multi) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Multi) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Multi) Start(ctx context.Context) error {
	m.setState(StateAcquiring)

	if err := m.acquireLeadership(ctx); err != nil {
		m.setState(StateStopped)
		if errors.Is(err, errStoppedWhileAcquiring) {
			return nil
		}
		return err
	}

	m.setState(StateListening)

	listenCtx, cancelListen := context.WithCancel(ctx)
	defer cancelListen()

	listenDone := make(chan error, 1)
	go func() {
		listener := notify.NewListener(m.cc, m.opts.ChannelName)
		listenDone <- listener.Listen(listenCtx, func(payload string) { m.trigger(payload) })
	}()

	var wg sync.WaitGroup
	for id, st := range m.streams {
		wg.Add(1)
		go func(id string, st *streamState) {
			defer wg.Done()
			m.streamLoop(ctx, id, st)
		}(id, st)
	}
	loopDone := make(chan struct{})
	go func() { wg.Wait(); close(loopDone) }()

	for id := range m.streams {
		m.trigger(id) // drain pre-existing rows for every registered identifier
	}

	var runErr error
	listenFinished := false
	select {
	case <-m.stopCh:
	case err := <-listenDone:
		listenFinished = true
		runErr = err
		m.Stop()
	case err := <-m.fatalCh:
		runErr = err
		m.Stop()
	}

	m.setState(StateDraining)
	cancelListen()
	if !listenFinished {
		<-listenDone
	}
	<-loopDone

	_ = m.leader.Unlock(context.Background())
	_ = m.cc.FlushSharedContext(context.Background())

	m.setState(StateStopped)
	return runErr
}

func (m *Multi) acquireLeadership(ctx context.Context) error {
	started := time.Now()
	ticker := time.NewTicker(m.opts.LockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := m.leader.TryLock(ctx)
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
		case <-m.stopCh:
			return errStoppedWhileAcquiring
		case <-ticker.C:
		}
	}
}

// trigger wakes the identifier named by id. Notifications for an
// unregistered identifier are silently dropped, per spec.md §4.8.
func (m *Multi) trigger(id string) {
	st, ok := m.streams[id]
	if !ok {
		return
	}
	select {
	case st.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Multi) streamLoop(ctx context.Context, id string, st *streamState) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-st.wakeCh:
			m.processBatch(ctx, id, st)
		}
	}
}

func (m *Multi) processBatch(ctx context.Context, id string, st *streamState) {
	ok, err := m.gate.TryLock(ctx, id)
	if err != nil {
		m.fail(err)
		return
	}
	if !ok {
		st.mu.Lock()
		st.dirty = true
		st.mu.Unlock()
		return
	}

	st.mu.Lock()
	if st.pollTimer != nil {
		st.pollTimer.Stop()
		st.pollTimer = nil
	}
	st.mu.Unlock()

	n, err := st.relay.RelayBatch(ctx, m.opts.BatchSize, m.opts.CommitSize)

	_ = m.gate.Unlock(ctx, id)

	if err != nil {
		m.fail(err)
		return
	}

	st.mu.Lock()
	wasDirty := st.dirty
	st.dirty = false
	st.mu.Unlock()

	if n > 0 || wasDirty {
		m.trigger(id)
		return
	}
	m.schedulePoll(id, st)
}

func (m *Multi) schedulePoll(id string, st *streamState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pollTimer = time.AfterFunc(m.opts.PollInterval, func() { m.trigger(id) })
}

func (m *Multi) fail(err error) {
	select {
	case m.fatalCh <- err:
	default:
	}
	m.Stop()
}

func (m *Multi) setState(st State) {
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
	m.log.Debug().Str("state", st.String()).Msg("runner state transition")
}

package events

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/primal-host/solo-pds/internal/pdserr"
)

// DefaultRetentionWindow is how many of the most recent events stay
// in commit_log once trimmed.
const DefaultRetentionWindow = 512

// DefaultSubscriberBuffer bounds how far a subscriber may lag before
// it is considered too slow.
const DefaultSubscriberBuffer = 256

// DefaultKeepaliveInterval is how often an idle subscriber receives an
// #info frame to keep its connection alive.
const DefaultKeepaliveInterval = 30 * time.Second

// subscriber is one connected subscribeRepos consumer. replaying and
// pending are only ever touched while holding the owning Manager's mu.
type subscriber struct {
	ch   chan []byte
	done chan struct{}

	// replaying is true from registration until a cursor-driven replay
	// has fully drained. While true, broadcastLocked queues live frames
	// in pending instead of writing them to ch directly, so a frame
	// persisted while history is still being replayed cannot overtake
	// the historical frames in front of it.
	replaying bool
	pending   [][]byte
}

// persistStore is the durability contract a Manager needs from the
// commit log: seq assignment, retention bookkeeping, and replay.
// *Persister is the real Postgres-backed implementation; tests satisfy
// it with an in-memory fake instead of standing up a database.
type persistStore interface {
	Persist(ctx context.Context, kind Kind, body []byte) (int64, error)
	CurrentSeq(ctx context.Context) (int64, error)
	OldestSeq(ctx context.Context) (int64, error)
	Replay(ctx context.Context, since int64, fn func(seq int64, kind Kind, body []byte) error) error
	Trim(ctx context.Context, keepAbove int64) error
}

// Manager is the repository's single event sequencer: every commit
// passes through Emit, which assigns the next seq and fans the frame
// out to every live subscriber.
type Manager struct {
	persister persistStore

	mu              sync.Mutex
	subs            map[*subscriber]struct{}
	curSeq          int64
	retentionWindow int64
	done            chan struct{}
}

// NewManager loads the current seq from persister and returns a ready
// Manager. window <= 0 uses DefaultRetentionWindow.
func NewManager(ctx context.Context, persister persistStore, window int64) (*Manager, error) {
	if window <= 0 {
		window = DefaultRetentionWindow
	}
	seq, err := persister.CurrentSeq(ctx)
	if err != nil {
		return nil, err
	}
	return &Manager{
		persister:       persister,
		subs:            make(map[*subscriber]struct{}),
		curSeq:          seq,
		retentionWindow: window,
		done:            make(chan struct{}),
	}, nil
}

// EmitCommit persists a commit event and broadcasts its wire frame.
// It is the only path by which seq advances, so callers must serialize
// calls the same way they serialize commits (internal/repo holds the
// repo's write lock across both).
func (m *Manager) EmitCommit(ctx context.Context, p CommitPayload) (int64, error) {
	return m.emit(ctx, KindCommit, p.toMap())
}

// EmitInfo broadcasts a non-persisted keepalive frame without
// assigning it a seq — purely a liveness signal for idle connections
// (a server-side addition the wire protocol's op:1/#info frame exists
// for but the commit log never needs to retain).
func (m *Manager) EmitInfo(message string) {
	m.mu.Lock()
	seq := m.curSeq
	m.mu.Unlock()
	frame, err := encodeInfoFrame(seq, message)
	if err != nil {
		log.Printf("events: encode keepalive frame: %v", err)
		return
	}
	m.broadcast(frame)
}

func (m *Manager) emit(ctx context.Context, kind Kind, body map[string]any) (int64, error) {
	encoded, err := encodeBody(body)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.persister.Persist(ctx, kind, encoded)
	if err != nil {
		return 0, err
	}
	m.curSeq = seq

	frame, err := buildFrame(kind, seq, body)
	if err != nil {
		return 0, err
	}
	m.broadcastLocked(frame)

	if keepAbove := seq - m.retentionWindow; keepAbove > 0 {
		if err := m.persister.Trim(ctx, keepAbove); err != nil {
			log.Printf("events: trim commit_log: %v", err)
		}
	}
	return seq, nil
}

// CurrentSeq returns the last seq assigned, without a round trip.
func (m *Manager) CurrentSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curSeq
}

// Subscribe registers a new subscriber and, if cursor is non-nil,
// replays every event after it before live frames. cursor is
// validated against the retention window first: too old is
// OutdatedCursor, beyond the current seq is FutureCursor.
func (m *Manager) Subscribe(ctx context.Context, cursor *int64) (<-chan []byte, func(), error) {
	if cursor != nil {
		oldest, err := m.persister.OldestSeq(ctx)
		if err != nil {
			return nil, nil, err
		}
		m.mu.Lock()
		cur := m.curSeq
		m.mu.Unlock()
		if *cursor > cur {
			return nil, nil, pdserr.WithCode("events.Subscribe", pdserr.KindCursorOutOfRange,
				"FutureCursor", "cursor is ahead of the current sequence")
		}
		if oldest > 0 && *cursor < oldest-1 {
			return nil, nil, pdserr.WithCode("events.Subscribe", pdserr.KindCursorOutOfRange,
				"OutdatedCursor", "cursor predates the retained event window")
		}
	}

	sub := &subscriber{
		ch:        make(chan []byte, DefaultSubscriberBuffer),
		done:      make(chan struct{}),
		replaying: cursor != nil,
	}

	// Register before replay so no live event between replay's end and
	// this call can be missed. While replaying is true, any frame
	// broadcastLocked wants to send this subscriber is queued in
	// sub.pending rather than written to sub.ch, so it cannot jump
	// ahead of the historical frames the replay goroutine below is
	// still pushing.
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.subs[sub]; ok {
			delete(m.subs, sub)
			close(sub.ch)
		}
		m.mu.Unlock()
		close(sub.done)
	}

	if cursor != nil {
		go func() {
			err := m.persister.Replay(ctx, *cursor, func(seq int64, kind Kind, body []byte) error {
				decoded, derr := decodeBody(body)
				if derr != nil {
					return derr
				}
				frame, ferr := buildFrame(kind, seq, decoded)
				if ferr != nil {
					return ferr
				}
				select {
				case sub.ch <- frame:
					return nil
				case <-sub.done:
					return context.Canceled
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if err != nil {
				log.Printf("events: replay error: %v", err)
			}
			m.finishReplay(ctx, sub)
		}()
	}

	return sub.ch, cancel, nil
}

// finishReplay flushes frames broadcastLocked queued in sub.pending
// while history was still being replayed, then marks the subscriber
// live so future frames go straight to sub.ch. It pops and sends one
// frame at a time, re-checking pending under the lock after each send,
// so frames appended mid-flush (a commit landing while we're still
// catching up) are delivered in the same order they queued in rather
// than requiring a second pass.
func (m *Manager) finishReplay(ctx context.Context, sub *subscriber) {
	for {
		m.mu.Lock()
		if _, ok := m.subs[sub]; !ok {
			// Evicted (too slow, or Shutdown) while we were flushing.
			m.mu.Unlock()
			return
		}
		if len(sub.pending) == 0 {
			sub.replaying = false
			m.mu.Unlock()
			return
		}
		frame := sub.pending[0]
		sub.pending = sub.pending[1:]
		m.mu.Unlock()

		select {
		case sub.ch <- frame:
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown closes every subscriber channel.
func (m *Manager) Shutdown() {
	close(m.done)
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs {
		close(sub.ch)
		delete(m.subs, sub)
	}
}

// broadcastLocked sends frame to every subscriber, closing any whose
// buffer is full rather than blocking the single writer on a slow
// consumer. evictSlow queues a ConsumerTooSlow error frame only if the
// channel has room for it; a subscriber evicted because its channel is
// full is closed without one.
// Caller must hold m.mu.
func (m *Manager) broadcastLocked(frame []byte) {
	for sub := range m.subs {
		if sub.replaying {
			if len(sub.pending) >= DefaultSubscriberBuffer {
				m.evictSlow(sub)
				continue
			}
			sub.pending = append(sub.pending, frame)
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			m.evictSlow(sub)
		}
	}
}

func (m *Manager) broadcast(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastLocked(frame)
}

func (m *Manager) evictSlow(sub *subscriber) {
	if errFrame, err := encodeErrorFrame("ConsumerTooSlow", "subscriber fell behind the fan-out buffer"); err == nil {
		select {
		case sub.ch <- errFrame:
		default:
		}
	}
	delete(m.subs, sub)
	close(sub.ch)
}

// keepaliveLoop periodically broadcasts an #info frame so idle
// connections have traffic to detect a dead peer on. Call in its own
// goroutine; returns when ctx is done or Shutdown is called.
func (m *Manager) keepaliveLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-t.C:
			m.EmitInfo("keepalive")
		}
	}
}

// StartKeepalive launches the keepalive loop in a background
// goroutine.
func (m *Manager) StartKeepalive(ctx context.Context, interval time.Duration) {
	go m.keepaliveLoop(ctx, interval)
}

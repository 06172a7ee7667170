package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/primal-host/solo-pds/internal/codec"
	"github.com/primal-host/solo-pds/internal/pdserr"
)

// fakePersister is an in-memory persistStore used so the sequencer can
// be tested without a real commit_log table.
type fakePersister struct {
	mu   sync.Mutex
	rows map[int64]row
	next int64
}

type row struct {
	kind Kind
	body []byte
}

func newFakePersister() *fakePersister {
	return &fakePersister{rows: map[int64]row{}}
}

func (f *fakePersister) Persist(_ context.Context, kind Kind, body []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.rows[f.next] = row{kind: kind, body: body}
	return f.next, nil
}

func (f *fakePersister) CurrentSeq(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next, nil
}

func (f *fakePersister) OldestSeq(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) == 0 {
		return 0, nil
	}
	seqs := f.sortedSeqsLocked()
	return seqs[0], nil
}

func (f *fakePersister) Replay(_ context.Context, since int64, fn func(seq int64, kind Kind, body []byte) error) error {
	f.mu.Lock()
	seqs := f.sortedSeqsLocked()
	f.mu.Unlock()
	for _, seq := range seqs {
		if seq <= since {
			continue
		}
		f.mu.Lock()
		r := f.rows[seq]
		f.mu.Unlock()
		if err := fn(seq, r.kind, r.body); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakePersister) Trim(_ context.Context, keepAbove int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for seq := range f.rows {
		if seq <= keepAbove {
			delete(f.rows, seq)
		}
	}
	return nil
}

func (f *fakePersister) sortedSeqsLocked() []int64 {
	seqs := make([]int64, 0, len(f.rows))
	for seq := range f.rows {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

func TestEmitCommitAssignsIncreasingSeq(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, err := NewManager(ctx, newFakePersister(), 0)
	require.NoError(t, err)

	seq1, err := m.EmitCommit(ctx, CommitPayload{Repo: "did:key:z1", Rev: "a"})
	require.NoError(t, err)
	seq2, err := m.EmitCommit(ctx, CommitPayload{Repo: "did:key:z1", Rev: "b"})
	require.NoError(t, err)

	require.Equal(t, int64(1), seq1)
	require.Equal(t, int64(2), seq2)
	require.Equal(t, int64(2), m.CurrentSeq())
}

func TestSubscribeReceivesLiveFrame(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, err := NewManager(ctx, newFakePersister(), 0)
	require.NoError(t, err)

	ch, cancel, err := m.Subscribe(ctx, nil)
	require.NoError(t, err)
	defer cancel()

	_, err = m.EmitCommit(ctx, CommitPayload{Repo: "did:key:z1", Rev: "a"})
	require.NoError(t, err)

	select {
	case frame := <-ch:
		require.NotEmpty(t, frame)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast frame")
	}
}

func TestSubscribeReplaysFromCursor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, err := NewManager(ctx, newFakePersister(), 0)
	require.NoError(t, err)

	_, err = m.EmitCommit(ctx, CommitPayload{Repo: "did:key:z1", Rev: "a"})
	require.NoError(t, err)
	_, err = m.EmitCommit(ctx, CommitPayload{Repo: "did:key:z1", Rev: "b"})
	require.NoError(t, err)

	cursor := int64(0)
	ch, cancel, err := m.Subscribe(ctx, &cursor)
	require.NoError(t, err)
	defer cancel()

	received := 0
	for received < 2 {
		select {
		case frame := <-ch:
			require.NotEmpty(t, frame)
			received++
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d frames", received)
		}
	}
}

// delayedPersister wraps fakePersister so a test can pause Replay
// partway through and run a live EmitCommit concurrently, to exercise
// the window where a subscriber is still catching up on history.
type delayedPersister struct {
	*fakePersister
	reached chan struct{}
	proceed chan struct{}
}

func (d *delayedPersister) Replay(ctx context.Context, since int64, fn func(seq int64, kind Kind, body []byte) error) error {
	first := true
	return d.fakePersister.Replay(ctx, since, func(seq int64, kind Kind, body []byte) error {
		if err := fn(seq, kind, body); err != nil {
			return err
		}
		if first {
			first = false
			d.reached <- struct{}{}
			<-d.proceed
		}
		return nil
	})
}

// decodeFrameSeq extracts the body's "seq" field from an encoded wire
// frame (4-byte length, then header cbor, then body cbor) by probing
// for the split between the two concatenated cbor values.
func decodeFrameSeq(t *testing.T, frame []byte) int64 {
	t.Helper()
	require.Greater(t, len(frame), 4)
	payload := frame[4:]
	for split := 1; split < len(payload); split++ {
		if _, err := codec.Decode(payload[:split]); err != nil {
			continue
		}
		body, err := codec.Decode(payload[split:])
		if err != nil {
			continue
		}
		m, ok := body.(map[string]any)
		if !ok {
			continue
		}
		seq, ok := m["seq"].(int64)
		if !ok {
			continue
		}
		return seq
	}
	t.Fatalf("could not locate seq in frame")
	return 0
}

func TestSubscribeOrdersLiveFramesBehindInFlightReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fp := newFakePersister()
	dp := &delayedPersister{
		fakePersister: fp,
		reached:       make(chan struct{}),
		proceed:       make(chan struct{}),
	}

	m, err := NewManager(ctx, dp, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.EmitCommit(ctx, CommitPayload{Repo: "did:key:z1", Rev: fmt.Sprintf("r%d", i)})
		require.NoError(t, err)
	}

	cursor := int64(0)
	ch, cancel, err := m.Subscribe(ctx, &cursor)
	require.NoError(t, err)
	defer cancel()

	select {
	case <-dp.reached:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replay to reach its first row")
	}

	// A commit lands while history is still being replayed. It must
	// not reach the subscriber ahead of the remaining historical
	// frames — the live seq is higher and delivering it early would
	// violate strictly-increasing, gap-free ordering for this client.
	_, err = m.EmitCommit(ctx, CommitPayload{Repo: "did:key:z1", Rev: "live"})
	require.NoError(t, err)

	close(dp.proceed)

	var seqs []int64
	for len(seqs) < 4 {
		select {
		case frame := <-ch:
			seqs = append(seqs, decodeFrameSeq(t, frame))
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d frames: %v", len(seqs), seqs)
		}
	}

	require.Equal(t, []int64{1, 2, 3, 4}, seqs)
}

func TestSubscribeRejectsFutureCursor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, err := NewManager(ctx, newFakePersister(), 0)
	require.NoError(t, err)

	cursor := int64(100)
	_, _, err = m.Subscribe(ctx, &cursor)
	require.Error(t, err)
	require.Equal(t, "FutureCursor", pdserr.CodeOf(err))
}

func TestSubscribeRejectsOutdatedCursor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, err := NewManager(ctx, newFakePersister(), 3)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := m.EmitCommit(ctx, CommitPayload{Repo: "did:key:z1", Rev: "x"})
		require.NoError(t, err)
	}

	cursor := int64(0)
	_, _, err = m.Subscribe(ctx, &cursor)
	require.Error(t, err)
	require.Equal(t, "OutdatedCursor", pdserr.CodeOf(err))
}

func TestEmitTrimsBeyondRetentionWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fp := newFakePersister()
	m, err := NewManager(ctx, fp, 2)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := m.EmitCommit(ctx, CommitPayload{Repo: "did:key:z1", Rev: "x"})
		require.NoError(t, err)
	}

	oldest, err := fp.OldestSeq(ctx)
	require.NoError(t, err)
	require.Greater(t, oldest, int64(1))
}

func TestShutdownClosesSubscriberChannels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, err := NewManager(ctx, newFakePersister(), 0)
	require.NoError(t, err)

	ch, _, err := m.Subscribe(ctx, nil)
	require.NoError(t, err)

	m.Shutdown()

	_, ok := <-ch
	require.False(t, ok)
}

func TestEmitInfoDoesNotAdvanceSeq(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, err := NewManager(ctx, newFakePersister(), 0)
	require.NoError(t, err)

	before := m.CurrentSeq()
	m.EmitInfo("keepalive")
	require.Equal(t, before, m.CurrentSeq())
}

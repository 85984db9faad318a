package eventlog

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	l := New()
	e1, err := l.Append(TypeArtifactCreated, "alice", map[string]any{"id": "art1"})
	require.NoError(t, err)
	e2, err := l.Append(TypeArtifactWritten, "alice", map[string]any{"id": "art1"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, uint64(2), l.LastSequence())
}

func TestConcurrentAppendsUniqueSequences(t *testing.T) {
	l := New()
	const n = 200
	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := l.Append(TypeResourceSpent, "p", nil)
			if err == nil {
				seqs <- e.Sequence
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		require.False(t, seen[s], "duplicate sequence %d", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
}

func TestPayloadHashIsCanonical(t *testing.T) {
	l := New()
	e1, err := l.Append(TypeTransfer, "alice", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	e2, err := l.Append(TypeTransfer, "alice", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, e1.PayloadHash, e2.PayloadHash)
	assert.NotEmpty(t, e1.PayloadHash)
}

func TestGetAndRange(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		_, err := l.Append(TypeArtifactEdited, "alice", nil)
		require.NoError(t, err)
	}

	e, err := l.Get(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Sequence)

	_, err = l.Get(6)
	assert.ErrorIs(t, err, ErrNotFound)

	events, err := l.Range(2, 4)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = l.Range(2, 100)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	_, err = l.Range(0, 3)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestReplayFrom(t *testing.T) {
	l := New()
	for i := 0; i < 4; i++ {
		_, err := l.Append(TypeArtifactCreated, "alice", nil)
		require.NoError(t, err)
	}

	var got []uint64
	require.NoError(t, l.Replay(2, func(e *Event) error {
		got = append(got, e.Sequence)
		return nil
	}))
	assert.Equal(t, []uint64{3, 4}, got)
}

func TestSubscribeFilter(t *testing.T) {
	l := New()
	sub := l.Subscribe(func(e *Event) bool { return e.Type == TypeTransfer }, 8)
	defer l.Unsubscribe(sub)

	_, err := l.Append(TypeArtifactCreated, "alice", nil)
	require.NoError(t, err)
	_, err = l.Append(TypeTransfer, "alice", nil)
	require.NoError(t, err)

	select {
	case e := <-sub.Events():
		assert.Equal(t, TypeTransfer, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a transfer event")
	}

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", e)
	default:
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	l := New()
	sub := l.Subscribe(nil, 1)
	defer l.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		_, err := l.Append(TypeResourceConsumed, "p", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(4), sub.Dropped())
}

func TestNDJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	sink, err := NewNDJSONSink(path)
	require.NoError(t, err)

	l := New()
	l.AddSink(sink)
	_, err = l.Append(TypeArtifactCreated, "alice", map[string]any{"id": "art1"})
	require.NoError(t, err)
	_, err = l.Append(TypeTransfer, "alice", map[string]any{"to": "bob", "amount": float64(7)})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	events, err := ReadNDJSON(path, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TypeArtifactCreated, events[0].Type)
	assert.Equal(t, "bob", events[1].Data["to"])

	tail, err := ReadNDJSON(path, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(2), tail[0].Sequence)
}

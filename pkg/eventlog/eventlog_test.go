package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyops/applyd/pkg/models"
	"github.com/applyops/applyd/pkg/store/memory"
)

// flakyEventStore fails the first n inserts.
type flakyEventStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyEventStore) InsertEvent(ctx context.Context, e *models.Event) error {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.Store.InsertEvent(ctx, e)
}

func TestAppendAssignsGaplessSequences(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	log := New(st)
	sid := uuid.New()

	for i := 1; i <= 5; i++ {
		e, err := log.Append(ctx, sid, nil, models.EventItemQueued, "", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i), e.Sequence)
	}

	evs, err := st.ListEvents(ctx, sid, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 5)
}

func TestAppendResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sid := uuid.New()

	log1 := New(st)
	_, err := log1.Append(ctx, sid, nil, models.EventItemQueued, "", nil)
	require.NoError(t, err)
	_, err = log1.Append(ctx, sid, nil, models.EventItemStarted, "", nil)
	require.NoError(t, err)

	// A fresh log over the same store continues the sequence.
	log2 := New(st)
	e, err := log2.Append(ctx, sid, nil, models.EventItemSubmitted, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Sequence)
}

func TestAppendRejectsUnknownType(t *testing.T) {
	log := New(memory.New())
	_, err := log.Append(context.Background(), uuid.New(), nil, "made_up_event", "", nil)
	assert.Error(t, err)
}

func TestAppendRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	st := &flakyEventStore{Store: memory.New(), failures: 2}
	log := New(st)
	sid := uuid.New()

	e, err := log.Append(ctx, sid, nil, models.EventItemQueued, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Sequence)
	assert.Equal(t, 3, st.attempts)
}

func TestAppendExhaustedRetriesDoesNotBurnSequence(t *testing.T) {
	ctx := context.Background()
	st := &flakyEventStore{Store: memory.New(), failures: 100}
	log := New(st)
	sid := uuid.New()

	_, err := log.Append(ctx, sid, nil, models.EventItemQueued, "", nil)
	require.Error(t, err)

	// After the store recovers the same sequence is reused: no gap.
	st.failures = 0
	e, err := log.Append(ctx, sid, nil, models.EventItemQueued, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Sequence)
}

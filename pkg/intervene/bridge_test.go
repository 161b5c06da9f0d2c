package intervene

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitResolved(t *testing.T) {
	b := New(5 * time.Second)
	appID := uuid.New()

	done := make(chan struct{})
	var res Resolution
	var err error
	go func() {
		defer close(done)
		res, err = b.Await(context.Background(), Request{
			ApplicationID: appID,
			SessionID:     uuid.New(),
			Kind:          KindTwoFactor,
		})
	}()

	// Wait until the request is registered.
	require.Eventually(t, func() bool { return len(b.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Resolve(appID, Resolution{Action: ActionResolved, Value: "934712", ResolvedBy: "alex"}))
	<-done

	require.NoError(t, err)
	assert.Equal(t, ActionResolved, res.Action)
	assert.Equal(t, "934712", res.Value)
	assert.Empty(t, b.Pending())
}

func TestAwaitTimeout(t *testing.T) {
	b := New(20 * time.Millisecond)

	_, err := b.Await(context.Background(), Request{ApplicationID: uuid.New(), Kind: KindCaptcha})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, b.Pending())
}

func TestAwaitContextCancelled(t *testing.T) {
	b := New(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Await(ctx, Request{ApplicationID: uuid.New(), Kind: KindCaptcha})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(b.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestResolveWithoutWaiter(t *testing.T) {
	b := New(time.Minute)
	err := b.Resolve(uuid.New(), Resolution{Action: ActionSkip})
	assert.ErrorIs(t, err, ErrNoPendingIntervention)
}

func TestDuplicateResolve(t *testing.T) {
	b := New(time.Minute)
	appID := uuid.New()

	go func() {
		_, _ = b.Await(context.Background(), Request{ApplicationID: appID, Kind: KindCaptcha})
	}()
	require.Eventually(t, func() bool { return len(b.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Resolve(appID, Resolution{Action: ActionResolved}))
	assert.ErrorIs(t, b.Resolve(appID, Resolution{Action: ActionSkip}), ErrNoPendingIntervention)
}

func TestDoubleAwaitSameApplication(t *testing.T) {
	b := New(time.Minute)
	appID := uuid.New()

	go func() {
		_, _ = b.Await(context.Background(), Request{ApplicationID: appID, Kind: KindCaptcha})
	}()
	require.Eventually(t, func() bool { return len(b.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := b.Await(context.Background(), Request{ApplicationID: appID, Kind: KindCaptcha})
	assert.ErrorIs(t, err, ErrAlreadyPending)

	require.NoError(t, b.Resolve(appID, Resolution{Action: ActionSkip}))
}

func TestPendingOrderedOldestFirst(t *testing.T) {
	b := New(time.Minute)
	first := uuid.New()
	second := uuid.New()

	go func() {
		_, _ = b.Await(context.Background(), Request{
			ApplicationID: first, Kind: KindCaptcha,
			RequestedAt: time.Now().Add(-time.Minute),
		})
	}()
	go func() {
		_, _ = b.Await(context.Background(), Request{
			ApplicationID: second, Kind: KindTwoFactor,
			RequestedAt: time.Now(),
		})
	}()
	require.Eventually(t, func() bool { return len(b.Pending()) == 2 }, time.Second, 5*time.Millisecond)

	pending := b.Pending()
	assert.Equal(t, first, pending[0].ApplicationID)
	assert.Equal(t, second, pending[1].ApplicationID)

	require.NoError(t, b.Resolve(first, Resolution{Action: ActionSkip}))
	require.NoError(t, b.Resolve(second, Resolution{Action: ActionSkip}))
}

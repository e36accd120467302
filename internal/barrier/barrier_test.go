package barrier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []wire.Message
	broadcast []wire.Message
}

func (f *fakeSender) Send(_ dsmtypes.NodeID, msg wire.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Broadcast(_ context.Context, msg wire.Message) (int, error) {
	f.mu.Lock()
	f.broadcast = append(f.broadcast, msg)
	f.mu.Unlock()
	return 1, nil
}

func TestManagerReleasesOnceEveryoneArrives(t *testing.T) {
	send := &fakeSender{}
	m := New(0, 0, true, send, &dsmtypes.Stats{})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, m.Wait(context.Background(), 1, 3))
	}()
	go func() {
		defer wg.Done()
		m.handleBarrierArrive(1, wire.Frame{Payload: &wire.BarrierArrive{BarrierID: 1, Arriver: 1, NumParticipants: 3}})
	}()

	require.Eventually(t, func() bool {
		send.mu.Lock()
		defer send.mu.Unlock()
		return len(send.broadcast) == 0
	}, 50*time.Millisecond, time.Millisecond)

	m.handleBarrierArrive(2, wire.Frame{Payload: &wire.BarrierArrive{BarrierID: 1, Arriver: 2, NumParticipants: 3}})

	wg.Wait()

	send.mu.Lock()
	defer send.mu.Unlock()
	require.Len(t, send.broadcast, 1)
	rel, ok := send.broadcast[0].(*wire.BarrierRelease)
	require.True(t, ok)
	assert.EqualValues(t, 3, rel.NumArrived)
}

func TestClientWaitResolvedByBarrierRelease(t *testing.T) {
	send := &fakeSender{}
	m := New(5, 0, false, send, &dsmtypes.Stats{})

	done := make(chan error, 1)
	go func() {
		done <- m.Wait(context.Background(), 1, 3)
	}()

	require.Eventually(t, func() bool {
		send.mu.Lock()
		defer send.mu.Unlock()
		return len(send.sent) == 1
	}, time.Second, time.Millisecond)

	m.handleBarrierRelease(0, wire.Frame{Payload: &wire.BarrierRelease{BarrierID: 1, NumArrived: 3}})
	require.NoError(t, <-done)
}

func TestWaitTimesOut(t *testing.T) {
	send := &fakeSender{}
	m := New(5, 0, false, send, &dsmtypes.Stats{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := m.Wait(ctx, 1, 3)
	assert.ErrorIs(t, err, dsmtypes.ErrTimeout)
}

func TestGenerationsDoNotLeakAcrossInstances(t *testing.T) {
	send := &fakeSender{}
	m := New(0, 0, true, send, &dsmtypes.Stats{})

	n, rel, released := m.arrive(1, 0, 1)
	assert.Equal(t, 1, n)
	assert.True(t, released)
	select {
	case <-rel:
	default:
		t.Fatal("completed generation's channel must be closed")
	}

	// a fresh arrival for the same barrier id starts a brand new generation
	n2, rel2, released2 := m.arrive(1, 0, 2)
	assert.Equal(t, 1, n2)
	assert.False(t, released2)
	assert.NotEqual(t, rel, rel2)
}

func TestPromoteSelfResetsGenerations(t *testing.T) {
	send := &fakeSender{}
	m := New(1, 0, false, send, &dsmtypes.Stats{})
	m.arrive(1, 1, 3)

	m.PromoteSelf()

	assert.Empty(t, m.Snapshot())
}

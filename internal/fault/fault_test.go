package fault

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
)

type fakeFaultAddr struct{}

func (fakeFaultAddr) Error() string  { return "fault" }
func (fakeFaultAddr) Addr() uintptr { return 0xdead }

func TestGuardRunsFnWhenEnsureSucceeds(t *testing.T) {
	ran := false
	err := Guard(func() error { return nil }, func() { ran = true })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestGuardPropagatesEnsureError(t *testing.T) {
	wantErr := errors.New("ensure failed")
	called := false
	err := Guard(func() error { return wantErr }, func() { called = true })
	assert.Equal(t, wantErr, err)
	assert.False(t, called)
}

func TestGuardRetriesOnceOnFault(t *testing.T) {
	ensureCalls := 0
	fnCalls := 0

	err := Guard(
		func() error { ensureCalls++; return nil },
		func() {
			fnCalls++
			if fnCalls == 1 {
				panic(fakeFaultAddr{})
			}
		},
	)

	require.NoError(t, err)
	assert.Equal(t, 2, ensureCalls)
	assert.Equal(t, 2, fnCalls)
}

func TestGuardSurfacesErrMemoryAfterSecondFault(t *testing.T) {
	err := Guard(
		func() error { return nil },
		func() { panic(fakeFaultAddr{}) },
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, dsmtypes.ErrMemory)
}

func TestGuardRepropagatesUnrelatedPanic(t *testing.T) {
	assert.Panics(t, func() {
		_ = Guard(func() error { return nil }, func() { panic("not a fault") })
	})
}

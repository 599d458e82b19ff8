package recovery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_ConvertsPanic(t *testing.T) {
	err := Guard("setup:kusama", func() error {
		panic("boom")
	})

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "setup:kusama", pe.Name)
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestGuard_PassesThroughErrors(t *testing.T) {
	want := errors.New("plain")
	assert.ErrorIs(t, Guard("x", func() error { return want }), want)
	assert.NoError(t, Guard("x", func() error { return nil }))
}

func TestWithRecovery_SurvivesPanic(t *testing.T) {
	done := make(chan struct{})
	WithRecovery(func() {
		defer close(done)
		panic("worker")
	}, "worker")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not run")
	}

	assert.NotPanics(t, func() {
		WithRecoveryNamed("sync", func() { panic("sync") })
	})
}

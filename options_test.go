package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLoopOptionsDefaults(t *testing.T) {
	cfg, err := resolveLoopOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultQueueArity, cfg.priorityArity)
	assert.Equal(t, defaultMaxFD, cfg.maxFD)
	assert.False(t, cfg.singleThreaded, "singleThreaded must default to false")
	assert.NotNil(t, cfg.logger, "logger must default to a non-nil no-op logger")
}

func TestResolveLoopOptionsAppliesOverrides(t *testing.T) {
	backend := newNoopTestBackend()
	cfg, err := resolveLoopOptions([]LoopOption{
		WithBackend(backend),
		WithPriorityArity(8),
		WithMaxFD(256),
		WithSingleThreaded(),
	})
	require.NoError(t, err)
	assert.Same(t, backend, cfg.backend)
	assert.Equal(t, 8, cfg.priorityArity)
	assert.Equal(t, 256, cfg.maxFD)
	assert.True(t, cfg.singleThreaded, "WithSingleThreaded was not applied")
}

func TestResolveLoopOptionsSkipsNilOption(t *testing.T) {
	cfg, err := resolveLoopOptions([]LoopOption{nil, WithMaxFD(512), nil})
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.maxFD)
}

func TestNewWithSingleThreadedSelectsZeroOverheadLock(t *testing.T) {
	l, err := New(WithSingleThreaded(), WithBackend(newNoopTestBackend()))
	require.NoError(t, err)
	defer l.Close()

	assert.IsType(t, singleThreadedAttentionLock{}, l.attn)
}

func TestNewDefaultsToThreadSafeLock(t *testing.T) {
	l, err := New(WithBackend(newNoopTestBackend()))
	require.NoError(t, err)
	defer l.Close()

	assert.IsType(t, &threadSafeAttentionLock{}, l.attn)
}

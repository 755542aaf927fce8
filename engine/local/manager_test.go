package local

import (
	"context"
	"testing"

	"github.com/guseggert/scriptmux/engine"
	"github.com/guseggert/scriptmux/engine/blank"
	"github.com/guseggert/scriptmux/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	m := NewManager(blank.Register(engine.NewRegistry()), WithLogger(log))

	a, err := m.Create(ctx, "a", script.WithExtensions("testclip"))
	require.NoError(t, err)
	assert.Equal(t, []string{"test"}, script.NewBasic(ctx, a).MustResultNames())

	_, err = m.Create(ctx, "a")
	assert.ErrorIs(t, err, script.ErrScriptExists)

	_, err = m.Create(ctx, "b", script.WithProvider("nope", nil))
	assert.ErrorIs(t, err, engine.ErrUnknownProvider)

	b, err := m.Create(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, m.Names())

	require.NoError(t, m.Destroy(ctx, "a"))
	assert.False(t, a.Alive())
	assert.ErrorIs(t, m.Destroy(ctx, "a"), script.ErrNoSuchScript)

	require.NoError(t, m.Disable(ctx))
	assert.False(t, b.Alive())
	assert.Empty(t, m.Names())
	_, err = m.Create(ctx, "c")
	assert.ErrorIs(t, err, script.ErrManagerDisabled)
}

func TestCreateReplacesDisposedScript(t *testing.T) {
	ctx := context.Background()
	m := NewManager(blank.Register(engine.NewRegistry()), WithLogger(log))

	a, err := m.Create(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, a.Dispose(ctx))

	replacement, err := m.Create(ctx, "a")
	require.NoError(t, err)
	assert.True(t, replacement.Alive())
	got, ok := m.Get("a")
	require.True(t, ok)
	assert.Same(t, replacement, got)
}

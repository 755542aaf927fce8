package blank

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/guseggert/scriptmux/engine"
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

func newScript(t *testing.T) script.Script {
	s, err := New(context.Background(), nil, log)
	require.NoError(t, err)
	return s
}

func TestExecute(t *testing.T) {
	cases := []struct {
		name      string
		code      string
		expErr    string
		expClips  []string
		expLength map[string]int
	}{
		{
			name:      "defines clips",
			code:      "# two clips\nclip a length=3\n\nclip b length=5 width=8 height=8 planes=3\nprint hello",
			expClips:  []string{"a", "b"},
			expLength: map[string]int{"a": 3, "b": 5},
		},
		{
			name:      "redefinition replaces",
			code:      "clip a length=3\nclip a length=7",
			expClips:  []string{"a"},
			expLength: map[string]int{"a": 7},
		},
		{
			name:     "del removes",
			code:     "clip a\nclip b\ndel a",
			expClips: []string{"b"},
		},
		{name: "unknown statement", code: "frobnicate x", expErr: `line 1: unknown statement "frobnicate"`},
		{name: "fail statement", code: "clip a\nfail nope", expErr: "line 2: script failed: nope"},
		{name: "bad dimension", code: "clip a width=0", expErr: "invalid dimensions"},
		{name: "bad argument", code: "clip a speed=3", expErr: `unknown argument "speed"`},
		{name: "meta on missing clip", code: "meta a k=v", expErr: "no such clip"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := context.Background()
			s := newScript(t)
			err := s.Execute(ctx, c.code)
			if c.expErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expErr)
				return
			}
			require.NoError(t, err)

			b := script.NewBasic(ctx, s)
			assert.Equal(t, c.expClips, b.MustResultNames())
			for name, l := range c.expLength {
				n, err := b.MustClip(name).Len(ctx)
				require.NoError(t, err)
				assert.Equal(t, l, n)
			}
		})
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	a, b := newScript(t), newScript(t)
	require.NoError(t, a.Execute(ctx, "clip only_in_a"))

	results, err := b.Results(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFrames(t *testing.T) {
	ctx := context.Background()
	s := newScript(t)
	require.NoError(t, s.Execute(ctx, "clip c length=2 width=4 height=2 planes=2 color=10\nmeta c source=test"))
	c := script.NewBasic(ctx, s).MustClip("c")

	meta, err := c.Metadata(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"c","length":2,"source":"test"}`, string(meta))

	_, err = c.Frame(ctx, 2)
	assert.ErrorIs(t, err, script.ErrFrameOutOfRange)
	_, err = c.Frame(ctx, -1)
	assert.ErrorIs(t, err, script.ErrFrameOutOfRange)

	f, err := c.Frame(ctx, 1)
	require.NoError(t, err)

	size, err := f.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, script.Size{Width: 4, Height: 2}, size)

	format, err := f.Format(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"blank","planes":2,"bits_per_sample":8}`, string(format))

	plane, err := f.Render(ctx, 1, format)
	require.NoError(t, err)
	assert.Equal(t, []byte{12, 12, 12, 12, 12, 12, 12, 12}, plane)

	_, err = f.Render(ctx, 0, json.RawMessage(`{"name":"rgb24"}`))
	assert.ErrorIs(t, err, script.ErrUnsupportedFormat)
	ok, err := f.CanRender(ctx, json.RawMessage(`{"name":"rgb24"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.Render(ctx, 2, nil)
	assert.Error(t, err)

	all, err := f.Bytes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 16)
}

func TestDispose(t *testing.T) {
	ctx := context.Background()
	s := newScript(t)
	require.NoError(t, s.Dispose(ctx))
	require.NoError(t, s.Dispose(ctx))
	assert.False(t, s.Alive())
	assert.ErrorIs(t, s.Execute(ctx, "clip a"), script.ErrDisposed)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := Register(engine.NewRegistry())
	assert.Equal(t, []string{ProviderName}, r.Providers())

	s, err := r.Build(ctx, engine.Info{Provider: ProviderName, Extensions: []string{"testclip"}}, log)
	require.NoError(t, err)
	assert.Equal(t, []string{"test"}, script.NewBasic(ctx, s).MustResultNames())

	_, err = r.Build(ctx, engine.Info{Provider: "vapoursynth"}, log)
	assert.ErrorIs(t, err, engine.ErrUnknownProvider)
	_, err = r.Build(ctx, engine.Info{Provider: ProviderName, Extensions: []string{"nope"}}, log)
	assert.ErrorIs(t, err, engine.ErrUnknownExtension)

	_, err = r.Build(ctx, engine.Info{Provider: ProviderName, Params: json.RawMessage(`"x"`)}, log)
	assert.Error(t, err)
}

package script

import (
	"context"
	"fmt"
	"sort"
)

// Must panics if the last arg in its arg list is an error.
func Must(args ...interface{}) {
	err, ok := args[len(args)-1].(error)
	if ok {
		panic(err)
	}
}

func Must2[V any](v V, err error) V {
	if err != nil {
		panic(err)
	}
	return v
}

// Basic wraps a Script and provides convenience functionality for driving it, mostly from tests and tools.
type Basic struct {
	Script Script
	Ctx    context.Context
}

func NewBasic(ctx context.Context, s Script) *Basic {
	return &Basic{Script: s, Ctx: ctx}
}

func (b *Basic) Context(ctx context.Context) *Basic {
	newB := *b
	newB.Ctx = ctx
	return &newB
}

func (b *Basic) MustExecute(code string) {
	Must(b.Script.Execute(b.Ctx, code))
}

// ResultNames returns the names of the script's clips in sorted order.
func (b *Basic) ResultNames() ([]string, error) {
	results, err := b.Script.Results(b.Ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Basic) MustResultNames() []string {
	return Must2(b.ResultNames())
}

// Clip looks up a single result clip.
func (b *Basic) Clip(name string) (Clip, error) {
	results, err := b.Script.Results(b.Ctx)
	if err != nil {
		return nil, err
	}
	c, ok := results[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchClip, name)
	}
	return c, nil
}

func (b *Basic) MustClip(name string) Clip {
	return Must2(b.Clip(name))
}

// RenderPlane renders one plane of frame i of the named clip in its native format.
func (b *Basic) RenderPlane(name string, i, plane int) ([]byte, error) {
	c, err := b.Clip(name)
	if err != nil {
		return nil, err
	}
	defer c.Dispose(b.Ctx)
	f, err := c.Frame(b.Ctx, i)
	if err != nil {
		return nil, fmt.Errorf("fetching frame %d of %q: %w", i, name, err)
	}
	return f.Render(b.Ctx, plane, nil)
}

func (b *Basic) MustRenderPlane(name string, i, plane int) []byte {
	return Must2(b.RenderPlane(name, i, plane))
}

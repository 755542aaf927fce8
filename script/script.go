// Package script defines what the system needs from a scripting engine: scripts that execute code and
// publish named clips, and clips made of renderable frames.
//
// Payloads such as metadata and formats are opaque JSON owned by the engine.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat = errors.New("format not supported")
	ErrFrameOutOfRange   = errors.New("frame index out of range")
	ErrScriptExists      = errors.New("script already exists")
	ErrNoSuchScript      = errors.New("no such script")
	ErrNoSuchClip        = errors.New("no such clip")
	ErrDisposed          = errors.New("disposed")
	ErrManagerDisabled   = errors.New("manager disabled")
)

// Size is the width and height of a frame. It is encoded as a two-element JSON array.
type Size struct {
	Width  int
	Height int
}

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.Width, s.Height})
}

func (s *Size) UnmarshalJSON(b []byte) error {
	var wh [2]int
	if err := json.Unmarshal(b, &wh); err != nil {
		return fmt.Errorf("decoding size: %w", err)
	}
	s.Width, s.Height = wh[0], wh[1]
	return nil
}

// Script is a running script. Implementations are goroutine-safe.
type Script interface {
	// Alive reports whether the script can still serve requests.
	Alive() bool

	// Execute runs code in the script's namespace and returns once it has finished.
	Execute(ctx context.Context, code string) error

	// Results returns the clips the script currently publishes, by name.
	Results(ctx context.Context) (map[string]Clip, error)

	// Dispose releases the script. Disposing twice is a no-op.
	Dispose(ctx context.Context) error
}

// Clip is an ordered sequence of frames.
type Clip interface {
	Len(ctx context.Context) (int, error)

	// Metadata returns clip-level metadata.
	Metadata(ctx context.Context) (json.RawMessage, error)

	// Frame returns the frame at index i, or ErrFrameOutOfRange.
	Frame(ctx context.Context, i int) (Frame, error)

	Dispose(ctx context.Context) error
}

// Frame is one item of a clip.
type Frame interface {
	Size(ctx context.Context) (Size, error)

	// Format describes the frame's native format.
	Format(ctx context.Context) (json.RawMessage, error)

	Metadata(ctx context.Context) (json.RawMessage, error)

	// CanRender reports whether the frame can be rendered in format. A nil format means the native one.
	CanRender(ctx context.Context, format json.RawMessage) (bool, error)

	// Render returns the bytes of one plane in format, or ErrUnsupportedFormat.
	Render(ctx context.Context, plane int, format json.RawMessage) ([]byte, error)

	// Bytes returns the whole frame in the engine's output encoding.
	Bytes(ctx context.Context) ([]byte, error)
}

// CreateOptions configures a new script.
type CreateOptions struct {
	// Provider names the engine to run; empty selects the manager's default.
	Provider   string
	Params     json.RawMessage
	Extensions []string
	// Initialize waits for the script to be ready before Create returns.
	Initialize bool
}

type CreateOption func(o *CreateOptions)

func WithProvider(name string, params json.RawMessage) CreateOption {
	return func(o *CreateOptions) {
		o.Provider = name
		o.Params = params
	}
}

func WithExtensions(exts ...string) CreateOption {
	return func(o *CreateOptions) {
		o.Extensions = append(o.Extensions, exts...)
	}
}

func WithInitialize() CreateOption {
	return func(o *CreateOptions) {
		o.Initialize = true
	}
}

func ApplyCreateOptions(opts []CreateOption) CreateOptions {
	var o CreateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Manager holds a set of named scripts and defines how to create and destroy them.
type Manager interface {
	Create(ctx context.Context, name string, opts ...CreateOption) (Script, error)
	Get(name string) (Script, bool)
	Destroy(ctx context.Context, name string) error

	// DisposeAll disposes every live script.
	DisposeAll(ctx context.Context) error

	// Disable disposes everything and rejects further creates.
	Disable(ctx context.Context) error
}

// Package blank is a small reference engine producing synthetic single-color clips.
//
// Scripts are line oriented:
//
//	# comment
//	clip <name> [length=N] [width=W] [height=H] [planes=P] [color=C]
//	meta <name> <key>=<value>
//	del <name>
//	print <text>
//	fail <message>
//
// Each script has its own namespace; nothing is shared between scripts.
package blank

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/guseggert/scriptmux/engine"
	"github.com/guseggert/scriptmux/script"
	"go.uber.org/zap"
)

const ProviderName = "blank"

// Params are the defaults applied to clip statements that leave a dimension out.
type Params struct {
	Length int `json:"length"`
	Width  int `json:"width"`
	Height int `json:"height"`
	Planes int `json:"planes"`
}

func defaultParams() Params {
	return Params{Length: 1, Width: 64, Height: 48, Planes: 1}
}

// Register adds the blank provider and its extensions to r.
func Register(r *engine.Registry) *engine.Registry {
	return r.
		Provide(ProviderName, New).
		Extend("testclip", execExtension("clip test length=10 width=32 height=24 color=128"))
}

func execExtension(code string) engine.Extension {
	return func(ctx context.Context, s script.Script) error {
		return s.Execute(ctx, code)
	}
}

// New is the blank engine's engine.Provider.
func New(ctx context.Context, params json.RawMessage, log *zap.SugaredLogger) (script.Script, error) {
	p := defaultParams()
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decoding params: %w", err)
		}
	}
	return &Script{
		log:       log.Named("blank"),
		defaults:  p,
		namespace: map[string]*Clip{},
	}, nil
}

// Script is one isolated namespace of clips.
type Script struct {
	log      *zap.SugaredLogger
	defaults Params

	mut       sync.Mutex
	namespace map[string]*Clip
	disposed  bool
}

func (s *Script) Alive() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return !s.disposed
}

func (s *Script) Execute(ctx context.Context, code string) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.disposed {
		return script.ErrDisposed
	}
	scanner := bufio.NewScanner(strings.NewReader(code))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := s.exec(line); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}

func (s *Script) exec(line string) error {
	stmt, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch stmt {
	case "clip":
		c, err := s.parseClip(rest)
		if err != nil {
			return err
		}
		s.namespace[c.name] = c
	case "meta":
		name, kv, _ := strings.Cut(rest, " ")
		c, ok := s.namespace[name]
		if !ok {
			return fmt.Errorf("%w: %q", script.ErrNoSuchClip, name)
		}
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok || k == "" {
			return fmt.Errorf("malformed meta %q", kv)
		}
		c = c.withMeta(k, v)
		s.namespace[name] = c
	case "del":
		if _, ok := s.namespace[rest]; !ok {
			return fmt.Errorf("%w: %q", script.ErrNoSuchClip, rest)
		}
		delete(s.namespace, rest)
	case "print":
		s.log.Info(rest)
	case "fail":
		return fmt.Errorf("script failed: %s", rest)
	default:
		return fmt.Errorf("unknown statement %q", stmt)
	}
	return nil
}

func (s *Script) parseClip(args string) (*Clip, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return nil, fmt.Errorf("clip needs a name")
	}
	c := &Clip{
		name:   fields[0],
		length: s.defaults.Length,
		width:  s.defaults.Width,
		height: s.defaults.Height,
		planes: s.defaults.Planes,
		meta:   map[string]string{},
	}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("malformed argument %q", f)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", k, err)
		}
		switch k {
		case "length":
			c.length = n
		case "width":
			c.width = n
		case "height":
			c.height = n
		case "planes":
			c.planes = n
		case "color":
			c.color = n
		default:
			return nil, fmt.Errorf("unknown argument %q", k)
		}
	}
	if c.length < 0 || c.width <= 0 || c.height <= 0 || c.planes <= 0 {
		return nil, fmt.Errorf("invalid dimensions for clip %q", c.name)
	}
	return c, nil
}

func (s *Script) Results(ctx context.Context) (map[string]script.Clip, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.disposed {
		return nil, script.ErrDisposed
	}
	results := make(map[string]script.Clip, len(s.namespace))
	for name, c := range s.namespace {
		results[name] = c
	}
	return results, nil
}

func (s *Script) Dispose(ctx context.Context) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.disposed = true
	s.namespace = map[string]*Clip{}
	return nil
}

// Clip is immutable once published; statements that change a clip replace it.
type Clip struct {
	name   string
	length int
	width  int
	height int
	planes int
	color  int
	meta   map[string]string
}

func (c *Clip) withMeta(k, v string) *Clip {
	n := *c
	n.meta = make(map[string]string, len(c.meta)+1)
	for mk, mv := range c.meta {
		n.meta[mk] = mv
	}
	n.meta[k] = v
	return &n
}

func (c *Clip) Len(ctx context.Context) (int, error) {
	return c.length, nil
}

func (c *Clip) Metadata(ctx context.Context) (json.RawMessage, error) {
	m := map[string]any{
		"name":   c.name,
		"length": c.length,
	}
	keys := make([]string, 0, len(c.meta))
	for k := range c.meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m[k] = c.meta[k]
	}
	return json.Marshal(m)
}

func (c *Clip) Frame(ctx context.Context, i int) (script.Frame, error) {
	if i < 0 || i >= c.length {
		return nil, fmt.Errorf("%w: %d of %d", script.ErrFrameOutOfRange, i, c.length)
	}
	return &Frame{clip: c, index: i}, nil
}

func (c *Clip) Dispose(ctx context.Context) error {
	return nil
}

// Format is the only format blank frames render in.
type Format struct {
	Name          string `json:"name"`
	Planes        int    `json:"planes"`
	BitsPerSample int    `json:"bits_per_sample"`
}

type Frame struct {
	clip  *Clip
	index int
}

func (f *Frame) native() Format {
	return Format{Name: "blank", Planes: f.clip.planes, BitsPerSample: 8}
}

func (f *Frame) Size(ctx context.Context) (script.Size, error) {
	return script.Size{Width: f.clip.width, Height: f.clip.height}, nil
}

func (f *Frame) Format(ctx context.Context) (json.RawMessage, error) {
	return json.Marshal(f.native())
}

func (f *Frame) Metadata(ctx context.Context) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"clip":  f.clip.name,
		"frame": f.index,
	})
}

func (f *Frame) CanRender(ctx context.Context, format json.RawMessage) (bool, error) {
	if len(format) == 0 || string(format) == "null" {
		return true, nil
	}
	var want Format
	if err := json.Unmarshal(format, &want); err != nil {
		return false, nil
	}
	return want == f.native(), nil
}

func (f *Frame) Render(ctx context.Context, plane int, format json.RawMessage) ([]byte, error) {
	ok, err := f.CanRender(ctx, format)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, script.ErrUnsupportedFormat
	}
	if plane < 0 || plane >= f.clip.planes {
		return nil, fmt.Errorf("plane %d out of range [0, %d)", plane, f.clip.planes)
	}
	return f.plane(plane), nil
}

func (f *Frame) plane(p int) []byte {
	b := make([]byte, f.clip.width*f.clip.height)
	v := byte(f.clip.color + f.index + p)
	for i := range b {
		b[i] = v
	}
	return b
}

func (f *Frame) Bytes(ctx context.Context) ([]byte, error) {
	var out []byte
	for p := 0; p < f.clip.planes; p++ {
		out = append(out, f.plane(p)...)
	}
	return out, nil
}

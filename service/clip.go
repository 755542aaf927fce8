package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/scriptmux/rpc"
	"github.com/guseggert/scriptmux/script"
	"go.uber.org/zap"
)

const (
	CmdLength   = "length"
	CmdMetadata = "metadata"
	CmdFormat   = "format"
	CmdSize     = "size"
	CmdRender   = "render"
	CmdFrame    = "frame"
)

// FrameRequest addresses one frame of a clip. A nil Frame means frame 0, or the clip itself for metadata.
type FrameRequest struct {
	Frame *int `json:"frame"`
}

type RenderRequest struct {
	Frame  *int            `json:"frame"`
	Format json.RawMessage `json:"format,omitempty"`
	Plane  *int            `json:"plane"`
}

// RenderResponse carries the frame size, or a null size when the format cannot be rendered.
type RenderResponse struct {
	Size *script.Size `json:"size"`
}

type LengthResponse struct {
	Length int `json:"length"`
}

const frameSchema = `{
	"type": "object",
	"properties": {"frame": {"type": ["integer", "null"]}}
}`

const renderSchema = `{
	"type": "object",
	"properties": {
		"frame": {"type": ["integer", "null"]},
		"plane": {"type": ["integer", "null"]}
	}
}`

// ClipService answers item requests for one opened clip.
// It keeps the most recently requested frame, since clients tend to ask several questions about the same one.
type ClipService struct {
	log  *zap.SugaredLogger
	clip script.Clip

	mut        sync.Mutex
	cacheIdx   int
	cacheFrame script.Frame
}

func NewClipService(clip script.Clip, log *zap.SugaredLogger) *ClipService {
	return &ClipService{
		log:  log.Named("clip_service"),
		clip: clip,
	}
}

func (c *ClipService) Table() *rpc.DispatchTable {
	return rpc.NewDispatchTable().
		Handle(CmdLength, c.length).
		Handle(CmdMetadata, c.metadata, rpc.WithSchema(frameSchema)).
		Handle(CmdFormat, c.format, rpc.WithSchema(frameSchema)).
		Handle(CmdSize, c.size, rpc.WithSchema(frameSchema)).
		Handle(CmdRender, c.render, rpc.WithSchema(renderSchema)).
		Handle(CmdFrame, c.frame, rpc.WithSchema(frameSchema))
}

// frameAt resolves a requested index. Indexes past the end are clamped to the last frame.
func (c *ClipService) frameAt(ctx context.Context, idx *int) (script.Frame, error) {
	i := 0
	if idx != nil {
		i = *idx
	}
	if i < 0 {
		return nil, fmt.Errorf("%w: negative index %d", script.ErrFrameOutOfRange, i)
	}
	n, err := c.clip.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching clip length: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: clip is empty", script.ErrFrameOutOfRange)
	}
	if i >= n {
		c.log.Debugf("clamping frame %d to %d", i, n-1)
		i = n - 1
	}

	c.mut.Lock()
	defer c.mut.Unlock()
	if c.cacheFrame != nil && c.cacheIdx == i {
		return c.cacheFrame, nil
	}
	f, err := c.clip.Frame(ctx, i)
	if err != nil {
		return nil, err
	}
	c.cacheIdx, c.cacheFrame = i, f
	return f, nil
}

func (c *ClipService) length(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	n, err := c.clip.Len(ctx)
	if err != nil {
		return nil, err
	}
	return rpc.Respond(LengthResponse{Length: n}), nil
}

func (c *ClipService) metadata(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	var p FrameRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Frame == nil {
		meta, err := c.clip.Metadata(ctx)
		if err != nil {
			return nil, err
		}
		return rpc.Respond(meta), nil
	}
	f, err := c.frameAt(ctx, p.Frame)
	if err != nil {
		return nil, err
	}
	meta, err := f.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	return rpc.Respond(meta), nil
}

func (c *ClipService) format(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	var p FrameRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	f, err := c.frameAt(ctx, p.Frame)
	if err != nil {
		return nil, err
	}
	format, err := f.Format(ctx)
	if err != nil {
		return nil, err
	}
	return rpc.Respond(format), nil
}

func (c *ClipService) size(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	var p FrameRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	f, err := c.frameAt(ctx, p.Frame)
	if err != nil {
		return nil, err
	}
	size, err := f.Size(ctx)
	if err != nil {
		return nil, err
	}
	return rpc.Respond(size), nil
}

func (c *ClipService) render(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	var p RenderRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	f, err := c.frameAt(ctx, p.Frame)
	if err != nil {
		return nil, err
	}
	format := p.Format
	if string(format) == "null" {
		format = nil
	}
	ok, err := f.CanRender(ctx, format)
	if err != nil {
		return nil, err
	}
	if !ok {
		return rpc.Respond(RenderResponse{}), nil
	}
	size, err := f.Size(ctx)
	if err != nil {
		return nil, err
	}
	if p.Plane == nil {
		return rpc.Respond(RenderResponse{Size: &size}), nil
	}
	b, err := f.Render(ctx, *p.Plane, format)
	if errors.Is(err, script.ErrUnsupportedFormat) {
		return rpc.Respond(RenderResponse{}), nil
	}
	if err != nil {
		return nil, err
	}
	return rpc.Respond(RenderResponse{Size: &size}, b), nil
}

func (c *ClipService) frame(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	var p FrameRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	f, err := c.frameAt(ctx, p.Frame)
	if err != nil {
		return nil, err
	}
	size, err := f.Size(ctx)
	if err != nil {
		return nil, err
	}
	b, err := f.Bytes(ctx)
	if err != nil {
		return nil, err
	}
	return rpc.Respond(RenderResponse{Size: &size}, b), nil
}

package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/guseggert/scriptmux/rpc"
	"github.com/guseggert/scriptmux/script"
	"github.com/guseggert/scriptmux/service"
)

// ClipClient issues item requests on an opened clip channel.
type ClipClient struct {
	client *rpc.Client

	mut        sync.Mutex
	cacheIdx   int
	cacheFrame *RemoteFrame
}

func NewClipClient(client *rpc.Client) *ClipClient {
	return &ClipClient{client: client}
}

func (c *ClipClient) Length(ctx context.Context) (int, error) {
	var resp service.LengthResponse
	if _, err := c.client.Call(ctx, service.CmdLength, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Length, nil
}

// Metadata fetches frame metadata, or clip metadata if frame is nil.
func (c *ClipClient) Metadata(ctx context.Context, frame *int) (json.RawMessage, error) {
	var meta json.RawMessage
	if _, err := c.client.Call(ctx, service.CmdMetadata, service.FrameRequest{Frame: frame}, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (c *ClipClient) Format(ctx context.Context, frame int) (json.RawMessage, error) {
	var format json.RawMessage
	if _, err := c.client.Call(ctx, service.CmdFormat, service.FrameRequest{Frame: &frame}, &format); err != nil {
		return nil, err
	}
	return format, nil
}

func (c *ClipClient) Size(ctx context.Context, frame int) (script.Size, error) {
	var size script.Size
	if _, err := c.client.Call(ctx, service.CmdSize, service.FrameRequest{Frame: &frame}, &size); err != nil {
		return script.Size{}, err
	}
	return size, nil
}

// Render renders one plane of a frame. A nil plane only checks whether format can be rendered.
// The size is nil when it cannot; an absent attachment for a requested plane is ErrUnsupportedFormat.
func (c *ClipClient) Render(ctx context.Context, frame int, plane *int, format json.RawMessage) (*script.Size, []byte, error) {
	var resp service.RenderResponse
	req := service.RenderRequest{Frame: &frame, Format: format, Plane: plane}
	blobs, err := c.client.Call(ctx, service.CmdRender, req, &resp)
	if err != nil {
		return nil, nil, err
	}
	if plane == nil {
		return resp.Size, nil, nil
	}
	if resp.Size == nil || len(blobs) == 0 {
		return nil, nil, script.ErrUnsupportedFormat
	}
	return resp.Size, blobs[0], nil
}

// FrameBytes fetches a whole frame in the engine's output encoding.
func (c *ClipClient) FrameBytes(ctx context.Context, frame int) ([]byte, error) {
	blobs, err := c.client.Call(ctx, service.CmdFrame, service.FrameRequest{Frame: &frame}, nil)
	if err != nil {
		return nil, err
	}
	if len(blobs) == 0 {
		return nil, fmt.Errorf("frame %d: response carried no data", frame)
	}
	return blobs[0], nil
}

// Frame fetches the descriptor of frame i. The last descriptor is kept until a different index is requested.
func (c *ClipClient) Frame(ctx context.Context, i int) (*RemoteFrame, error) {
	c.mut.Lock()
	if c.cacheFrame != nil && c.cacheIdx == i {
		f := c.cacheFrame
		c.mut.Unlock()
		return f, nil
	}
	c.mut.Unlock()

	formatF := c.client.Submit(service.CmdFormat, service.FrameRequest{Frame: &i}, nil)
	sizeF := c.client.Submit(service.CmdSize, service.FrameRequest{Frame: &i}, nil)

	var format json.RawMessage
	reply, err := formatF.Wait(ctx)
	if err == nil {
		err = reply.Decode(&format)
	}
	if err != nil {
		sizeF.Cancel()
		return nil, fmt.Errorf("fetching format of frame %d: %w", i, err)
	}
	var size script.Size
	reply, err = sizeF.Wait(ctx)
	if err == nil {
		err = reply.Decode(&size)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching size of frame %d: %w", i, err)
	}

	f := &RemoteFrame{clip: c, index: i, format: format, size: size}
	c.mut.Lock()
	c.cacheIdx, c.cacheFrame = i, f
	c.mut.Unlock()
	return f, nil
}

// RemoteFrame is a frame served by a peer. Size and format are fetched up front.
type RemoteFrame struct {
	clip   *ClipClient
	index  int
	format json.RawMessage
	size   script.Size
}

func (f *RemoteFrame) Index() int {
	return f.index
}

func (f *RemoteFrame) Size(ctx context.Context) (script.Size, error) {
	return f.size, nil
}

func (f *RemoteFrame) Format(ctx context.Context) (json.RawMessage, error) {
	return f.format, nil
}

func (f *RemoteFrame) Metadata(ctx context.Context) (json.RawMessage, error) {
	i := f.index
	return f.clip.Metadata(ctx, &i)
}

func (f *RemoteFrame) CanRender(ctx context.Context, format json.RawMessage) (bool, error) {
	size, _, err := f.clip.Render(ctx, f.index, nil, format)
	if err != nil {
		return false, err
	}
	return size != nil, nil
}

func (f *RemoteFrame) Render(ctx context.Context, plane int, format json.RawMessage) ([]byte, error) {
	_, b, err := f.clip.Render(ctx, f.index, &plane, format)
	return b, err
}

func (f *RemoteFrame) Bytes(ctx context.Context) ([]byte, error) {
	return f.clip.FrameBytes(ctx, f.index)
}

// RemoteClip is one named result of a ScriptHandle. Its channel is opened on first use.
type RemoteClip struct {
	handle  *ScriptHandle
	name    string
	channel string
	length  int

	mut        sync.Mutex
	connect    *rpc.Future
	client     *ClipClient
	registered bool
	disposed   bool
}

func (c *RemoteClip) Name() string {
	return c.name
}

// Channel is the name of the channel the clip is served on once connected.
func (c *RemoteClip) Channel() string {
	return c.channel
}

// ensureConnected opens the clip's channel unless that is already done or in flight.
// A failed open releases the channel, and the next access tries again.
func (c *RemoteClip) ensureConnected() *rpc.Future {
	c.mut.Lock()
	if c.disposed {
		c.mut.Unlock()
		return rpc.Failed(script.ErrDisposed)
	}
	if c.connect != nil {
		connect := c.connect
		c.mut.Unlock()
		return connect
	}
	ch, err := c.handle.mux.Register(c.channel)
	if err != nil {
		c.mut.Unlock()
		return rpc.Failed(fmt.Errorf("registering clip channel: %w", err))
	}
	c.registered = true
	c.client = NewClipClient(rpc.NewClient(ch, rpc.WithClientLogger(c.handle.log)))
	connect := c.handle.client.Submit(service.CmdOpenClip, service.OpenClipRequest{Name: c.channel, Target: c.name}, nil)
	c.connect = connect
	c.mut.Unlock()

	connect.OnDone(c.connectSettled)
	return connect
}

func (c *RemoteClip) connectSettled(connect *rpc.Future) {
	if _, err := connect.Result(); err == nil {
		return
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.connect != connect {
		return
	}
	c.connect = nil
	c.client = nil
	if c.registered {
		c.registered = false
		c.handle.mux.Unregister(c.channel)
	}
}

func (c *RemoteClip) clipClient(ctx context.Context) (*ClipClient, error) {
	if _, err := c.ensureConnected().Wait(ctx); err != nil {
		return nil, fmt.Errorf("opening clip %q: %w", c.name, err)
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.client, nil
}

func (c *RemoteClip) Len(ctx context.Context) (int, error) {
	return c.length, nil
}

func (c *RemoteClip) Metadata(ctx context.Context) (json.RawMessage, error) {
	cl, err := c.clipClient(ctx)
	if err != nil {
		return nil, err
	}
	return cl.Metadata(ctx, nil)
}

func (c *RemoteClip) Frame(ctx context.Context, i int) (script.Frame, error) {
	if i < 0 || i >= c.length {
		return nil, fmt.Errorf("%w: %d of %d", script.ErrFrameOutOfRange, i, c.length)
	}
	cl, err := c.clipClient(ctx)
	if err != nil {
		return nil, err
	}
	f, err := cl.Frame(ctx, i)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Dispose closes the clip's channel. When the channel is still being opened, the close happens once
// the open settles.
func (c *RemoteClip) Dispose(ctx context.Context) error {
	c.mut.Lock()
	if c.disposed {
		c.mut.Unlock()
		return nil
	}
	c.disposed = true
	connect := c.connect
	c.mut.Unlock()

	if connect == nil {
		return nil
	}
	connect.OnDone(c.teardown)
	return nil
}

func (c *RemoteClip) teardown(connect *rpc.Future) {
	if _, err := connect.Result(); err == nil {
		c.handle.client.Submit(service.CmdCloseClip, service.CloseClipRequest{Name: c.channel}, nil)
	}
	c.mut.Lock()
	registered := c.registered
	c.registered = false
	c.mut.Unlock()
	if registered {
		c.handle.mux.Unregister(c.channel)
	}
	c.handle.log.Debugw("disposed clip", "Clip", c.name, "Channel", c.channel)
}

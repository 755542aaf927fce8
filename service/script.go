// Package service serves scripts and their clips over multiplexed connections.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/guseggert/scriptmux/mux"
	"github.com/guseggert/scriptmux/rpc"
	"github.com/guseggert/scriptmux/script"
	"go.uber.org/zap"
)

const (
	CmdResults   = "results"
	CmdExecute   = "execute"
	CmdOpenClip  = "open_clip"
	CmdCloseClip = "close_clip"
)

var ErrClipOpen = errors.New("clip channel already open")

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar()
}

type ExecuteRequest struct {
	Script string `json:"script"`
}

type OpenClipRequest struct {
	Name   string `json:"name"`
	Target string `json:"target"`
}

type CloseClipRequest struct {
	Name string `json:"name"`
}

// Empty is the payload of responses that carry no data.
type Empty struct{}

const executeSchema = `{
	"type": "object",
	"required": ["script"],
	"properties": {"script": {"type": "string"}}
}`

const openClipSchema = `{
	"type": "object",
	"required": ["name", "target"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"target": {"type": "string"}
	}
}`

const closeClipSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {"name": {"type": "string"}}
}`

// ScriptService exposes one script on the control channel of a multiplexer. Opened clips get channels
// of their own on the same multiplexer.
type ScriptService struct {
	log        *zap.SugaredLogger
	script     script.Script
	mux        *mux.Multiplexer
	serverOpts []rpc.ServerOption

	mut    sync.Mutex
	opened map[string]*ClipService
}

type Option func(s *ScriptService)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *ScriptService) {
		s.log = l
	}
}

// WithServerOptions applies opts to the rpc servers of the control channel and every clip channel.
func WithServerOptions(opts ...rpc.ServerOption) Option {
	return func(s *ScriptService) {
		s.serverOpts = append(s.serverOpts, opts...)
	}
}

func NewScriptService(s script.Script, m *mux.Multiplexer, opts ...Option) *ScriptService {
	svc := &ScriptService{
		log:    defaultLogger,
		script: s,
		mux:    m,
		opened: map[string]*ClipService{},
	}
	for _, o := range opts {
		o(svc)
	}
	svc.log = svc.log.Named("script_service")
	return svc
}

// Serve registers the control channel and starts answering requests on it.
func (s *ScriptService) Serve() (*rpc.Server, error) {
	ch, err := s.mux.Register(mux.ControlChannel)
	if err != nil {
		return nil, fmt.Errorf("registering control channel: %w", err)
	}
	return rpc.NewServer(ch, s.Table(), s.serverOptions()...), nil
}

func (s *ScriptService) serverOptions(extra ...rpc.ServerOption) []rpc.ServerOption {
	opts := append([]rpc.ServerOption{rpc.WithServerLogger(s.log)}, s.serverOpts...)
	return append(opts, extra...)
}

func (s *ScriptService) Table() *rpc.DispatchTable {
	return rpc.NewDispatchTable().
		Handle(CmdResults, s.results).
		Handle(CmdExecute, s.execute, rpc.WithSchema(executeSchema)).
		Handle(CmdOpenClip, s.openClip, rpc.WithSchema(openClipSchema)).
		Handle(CmdCloseClip, s.closeClip, rpc.WithSchema(closeClipSchema))
}

// Opened returns the names of the open clip channels in sorted order.
func (s *ScriptService) Opened() []string {
	s.mut.Lock()
	defer s.mut.Unlock()
	names := make([]string, 0, len(s.opened))
	for name, cs := range s.opened {
		if cs != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Close closes every open clip channel.
func (s *ScriptService) Close() {
	for _, name := range s.Opened() {
		s.mux.Unregister(name)
	}
}

func (s *ScriptService) results(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	results, err := s.script.Results(ctx)
	if err != nil {
		return nil, err
	}
	lengths := make(map[string]int, len(results))
	for name, c := range results {
		n, err := c.Len(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching length of %q: %w", name, err)
		}
		lengths[name] = n
	}
	return rpc.Respond(lengths), nil
}

func (s *ScriptService) execute(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	var p ExecuteRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if err := s.script.Execute(ctx, p.Script); err != nil {
		return nil, err
	}
	return rpc.Respond(Empty{}), nil
}

func (s *ScriptService) openClip(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	var p OpenClipRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}

	s.mut.Lock()
	if _, ok := s.opened[p.Name]; ok {
		s.mut.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrClipOpen, p.Name)
	}
	// reserved until the channel is bound
	s.opened[p.Name] = nil
	s.mut.Unlock()

	if err := s.open(ctx, p); err != nil {
		s.mut.Lock()
		delete(s.opened, p.Name)
		s.mut.Unlock()
		return nil, err
	}
	s.log.Debugw("opened clip", "Channel", p.Name, "Target", p.Target)
	return rpc.Respond(Empty{}), nil
}

func (s *ScriptService) open(ctx context.Context, p OpenClipRequest) error {
	results, err := s.script.Results(ctx)
	if err != nil {
		return err
	}
	clip, ok := results[p.Target]
	if !ok {
		return fmt.Errorf("%w: %q", script.ErrNoSuchClip, p.Target)
	}
	ch, err := s.mux.Register(p.Name)
	if err != nil {
		return err
	}

	cs := NewClipService(clip, s.log)
	s.mut.Lock()
	s.opened[p.Name] = cs
	s.mut.Unlock()

	rpc.NewServer(ch, cs.Table(), s.serverOptions(rpc.WithCloseHook(func(error) {
		s.mut.Lock()
		if s.opened[p.Name] == cs {
			delete(s.opened, p.Name)
		}
		s.mut.Unlock()
		if err := clip.Dispose(context.Background()); err != nil {
			s.log.Debugw("error disposing clip", "Channel", p.Name, "Error", err)
		}
	}))...)
	return nil
}

func (s *ScriptService) closeClip(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	var p CloseClipRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	s.mut.Lock()
	cs := s.opened[p.Name]
	s.mut.Unlock()
	if cs != nil {
		s.mux.Unregister(p.Name)
	}
	return rpc.Respond(Empty{}), nil
}

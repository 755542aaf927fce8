// Package mux multiplexes named virtual channels over a single wire.Conn.
//
// Every outbound message on a channel is wrapped as {"target": name, "payload": msg}. Inbound messages
// are routed by target; a Multiplexer can itself sit on a Channel of another Multiplexer.
package mux

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/guseggert/scriptmux/wire"
	"go.uber.org/zap"
)

// ControlChannel is the name of the channel that carries a multiplexer's control traffic.
const ControlChannel = ""

var (
	ErrChannelExists       = errors.New("channel already registered")
	ErrChannelUnregistered = errors.New("channel unregistered")
	ErrMultiplexerClosed   = errors.New("multiplexer closed")
)

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar()
}

type envelope struct {
	Target  *string         `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

type outbound struct {
	Target  string `json:"target"`
	Payload any    `json:"payload"`
}

// Multiplexer routes frames arriving on a parent connection to registered channels.
// The parent is shared with the channels, never owned by them.
type Multiplexer struct {
	log    *zap.SugaredLogger
	parent wire.Conn

	mut      sync.Mutex
	channels map[string]*Channel
	closed   bool
	cause    error
}

type Option func(m *Multiplexer)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Multiplexer) {
		m.log = l
	}
}

// New builds a multiplexer and binds it as the receiver of parent.
func New(parent wire.Conn, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		log:      defaultLogger,
		parent:   parent,
		channels: map[string]*Channel{},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.Named("mux")
	parent.Bind(m)
	return m
}

// Register creates the channel called name.
func (m *Multiplexer) Register(name string) (*Channel, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.closed {
		return nil, fmt.Errorf("registering channel %q: %w: %v", name, ErrMultiplexerClosed, m.cause)
	}
	if _, ok := m.channels[name]; ok {
		return nil, fmt.Errorf("registering channel %q: %w", name, ErrChannelExists)
	}
	ch := &Channel{name: name, mux: m}
	m.channels[name] = ch
	m.log.Debugf("registered channel %q", name)
	return ch, nil
}

// Unregister removes the channel called name and tells its receiver Closed(ErrChannelUnregistered).
// Unregistering an unknown name is a no-op.
func (m *Multiplexer) Unregister(name string) {
	m.mut.Lock()
	ch, ok := m.channels[name]
	if ok {
		delete(m.channels, name)
	}
	m.mut.Unlock()
	if !ok {
		return
	}
	m.log.Debugf("unregistered channel %q", name)
	ch.closed(ErrChannelUnregistered)
}

// Channel returns the registered channel called name.
func (m *Multiplexer) Channel(name string) (*Channel, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names in sorted order.
func (m *Multiplexer) Names() []string {
	m.mut.Lock()
	defer m.mut.Unlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes the parent connection. Every channel sees Closed once the parent reports it.
func (m *Multiplexer) Close() error {
	return m.parent.Close()
}

func (m *Multiplexer) Receive(text json.RawMessage, blobs [][]byte) {
	var env envelope
	if err := json.Unmarshal(text, &env); err != nil || env.Target == nil {
		m.log.Debugw("dropping message without target", "Error", err)
		return
	}
	ch, ok := m.Channel(*env.Target)
	if !ok {
		m.log.Debugf("dropping message for unknown target %q", *env.Target)
		return
	}
	payload := env.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	ch.deliver(payload, blobs)
}

func (m *Multiplexer) Closed(err error) {
	m.mut.Lock()
	if m.closed {
		m.mut.Unlock()
		return
	}
	m.closed = true
	m.cause = err
	channels := m.channels
	m.channels = map[string]*Channel{}
	m.mut.Unlock()

	m.log.Debugw("parent closed", "Channels", len(channels), "Cause", err)
	for _, ch := range channels {
		ch.closed(err)
	}
}

func (m *Multiplexer) send(name string, v any, blobs [][]byte) error {
	return m.parent.Send(outbound{Target: name, Payload: v}, blobs)
}

// Channel is a named virtual connection on a Multiplexer. It implements wire.Conn.
type Channel struct {
	name string
	mux  *Multiplexer

	mut      sync.Mutex
	receiver wire.Receiver
	done     bool
	cause    error
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) Send(v any, blobs [][]byte) error {
	c.mut.Lock()
	done, cause := c.done, c.cause
	c.mut.Unlock()
	if done {
		return fmt.Errorf("sending on channel %q: %w: %v", c.name, wire.ErrClosed, cause)
	}
	return c.mux.send(c.name, v, blobs)
}

// Bind sets the channel's receiver. It panics if called twice. Binding a channel that has already
// been closed reports Closed to r immediately.
func (c *Channel) Bind(r wire.Receiver) {
	c.mut.Lock()
	if c.receiver != nil {
		c.mut.Unlock()
		panic(fmt.Sprintf("mux: channel %q already bound", c.name))
	}
	c.receiver = r
	done, cause := c.done, c.cause
	c.mut.Unlock()
	if done {
		r.Closed(cause)
	}
}

// Close unregisters the channel.
func (c *Channel) Close() error {
	c.mux.Unregister(c.name)
	return nil
}

func (c *Channel) deliver(text json.RawMessage, blobs [][]byte) {
	c.mut.Lock()
	r, done := c.receiver, c.done
	c.mut.Unlock()
	if done {
		return
	}
	if r == nil {
		c.mux.log.Debugf("dropping message for unbound channel %q", c.name)
		return
	}
	r.Receive(text, blobs)
}

func (c *Channel) closed(err error) {
	c.mut.Lock()
	if c.done {
		c.mut.Unlock()
		return
	}
	c.done = true
	c.cause = err
	r := c.receiver
	c.mut.Unlock()
	if r != nil {
		r.Closed(err)
	}
}

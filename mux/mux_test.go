package mux

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/guseggert/scriptmux/wire"
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

type sent struct {
	text  string
	blobs [][]byte
}

// fakeConn records what is sent on it and lets the test inject inbound frames.
type fakeConn struct {
	mut      sync.Mutex
	sent     []sent
	receiver wire.Receiver
	once     sync.Once
}

func (f *fakeConn) Send(v any, blobs [][]byte) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mut.Lock()
	defer f.mut.Unlock()
	f.sent = append(f.sent, sent{text: string(b), blobs: blobs})
	return nil
}

func (f *fakeConn) Bind(r wire.Receiver) { f.receiver = r }

func (f *fakeConn) Close() error {
	f.once.Do(func() { f.receiver.Closed(wire.ErrClosed) })
	return nil
}

func (f *fakeConn) inject(t *testing.T, text string, blobs ...[]byte) {
	require.True(t, json.Valid([]byte(text)))
	f.receiver.Receive(json.RawMessage(text), blobs)
}

func (f *fakeConn) last() sent {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.sent[len(f.sent)-1]
}

type received struct {
	text  string
	blobs [][]byte
}

type recorder struct {
	received []received
	closed   []error
}

func (r *recorder) Receive(text json.RawMessage, blobs [][]byte) {
	r.received = append(r.received, received{text: string(text), blobs: blobs})
}

func (r *recorder) Closed(err error) { r.closed = append(r.closed, err) }

func TestRegister(t *testing.T) {
	m := New(&fakeConn{}, WithLogger(log))

	_, err := m.Register("a")
	require.NoError(t, err)
	_, err = m.Register(ControlChannel)
	require.NoError(t, err)

	_, err = m.Register("a")
	assert.ErrorIs(t, err, ErrChannelExists)
	assert.Equal(t, []string{"", "a"}, m.Names())
}

func TestChannelSendWrapsEnvelope(t *testing.T) {
	parent := &fakeConn{}
	m := New(parent, WithLogger(log))
	ch, err := m.Register("a")
	require.NoError(t, err)

	require.NoError(t, ch.Send(map[string]int{"x": 1}, [][]byte{[]byte("blob")}))
	got := parent.last()
	assert.JSONEq(t, `{"target":"a","payload":{"x":1}}`, got.text)
	assert.Equal(t, [][]byte{[]byte("blob")}, got.blobs)
}

func TestReceiveRoutesByTarget(t *testing.T) {
	parent := &fakeConn{}
	m := New(parent, WithLogger(log))
	a, _ := m.Register("a")
	b, _ := m.Register("b")
	recA, recB := &recorder{}, &recorder{}
	a.Bind(recA)
	b.Bind(recB)

	cases := []struct {
		name  string
		input string
		expA  int
		expB  int
	}{
		{name: "to a", input: `{"target":"a","payload":{"n":1}}`, expA: 1},
		{name: "to b", input: `{"target":"b","payload":[1,2]}`, expA: 1, expB: 1},
		{name: "unknown target is dropped", input: `{"target":"zzz","payload":{}}`, expA: 1, expB: 1},
		{name: "missing target is dropped", input: `{"payload":{}}`, expA: 1, expB: 1},
		{name: "not an object is dropped", input: `[1,2,3]`, expA: 1, expB: 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			parent.inject(t, c.input, []byte("x"))
			assert.Len(t, recA.received, c.expA)
			assert.Len(t, recB.received, c.expB)
		})
	}
	assert.JSONEq(t, `{"n":1}`, recA.received[0].text)
	assert.Equal(t, [][]byte{[]byte("x")}, recA.received[0].blobs)
	assert.JSONEq(t, `[1,2]`, recB.received[0].text)
}

func TestUnregister(t *testing.T) {
	parent := &fakeConn{}
	m := New(parent, WithLogger(log))
	ch, _ := m.Register("a")
	rec := &recorder{}
	ch.Bind(rec)

	m.Unregister("a")
	m.Unregister("a")
	m.Unregister("never-registered")

	require.Len(t, rec.closed, 1)
	assert.ErrorIs(t, rec.closed[0], ErrChannelUnregistered)

	parent.inject(t, `{"target":"a","payload":{}}`)
	assert.Empty(t, rec.received)

	assert.ErrorIs(t, ch.Send("late", nil), wire.ErrClosed)

	_, err := m.Register("a")
	assert.NoError(t, err, "a name can be reused after unregistering")
}

func TestParentClosePropagates(t *testing.T) {
	parent := &fakeConn{}
	m := New(parent, WithLogger(log))
	a, _ := m.Register("a")
	b, _ := m.Register("b")
	recA, recB := &recorder{}, &recorder{}
	a.Bind(recA)
	b.Bind(recB)

	require.NoError(t, m.Close())

	require.Len(t, recA.closed, 1)
	require.Len(t, recB.closed, 1)
	assert.ErrorIs(t, recA.closed[0], wire.ErrClosed)
	assert.ErrorIs(t, recB.closed[0], wire.ErrClosed)
	assert.Empty(t, m.Names())

	_, err := m.Register("c")
	assert.ErrorIs(t, err, ErrMultiplexerClosed)
}

func TestBindAfterClose(t *testing.T) {
	m := New(&fakeConn{}, WithLogger(log))
	ch, _ := m.Register("a")
	require.NoError(t, ch.Close())

	rec := &recorder{}
	ch.Bind(rec)
	require.Len(t, rec.closed, 1)
	assert.ErrorIs(t, rec.closed[0], ErrChannelUnregistered)

	assert.Panics(t, func() { ch.Bind(&recorder{}) })
}

func TestNestedMultiplexers(t *testing.T) {
	parent := &fakeConn{}
	outer := New(parent, WithLogger(log))
	scriptChan, err := outer.Register("script-1")
	require.NoError(t, err)
	inner := New(scriptChan, WithLogger(log))
	clipChan, err := inner.Register("clip")
	require.NoError(t, err)
	control, err := inner.Register(ControlChannel)
	require.NoError(t, err)

	rec, controlRec := &recorder{}, &recorder{}
	clipChan.Bind(rec)
	control.Bind(controlRec)

	t.Run("outbound nests envelopes", func(t *testing.T) {
		require.NoError(t, clipChan.Send(map[string]string{"type": "length"}, nil))
		assert.JSONEq(t,
			`{"target":"script-1","payload":{"target":"clip","payload":{"type":"length"}}}`,
			parent.last().text)
	})

	t.Run("inbound unwraps both levels", func(t *testing.T) {
		parent.inject(t, `{"target":"script-1","payload":{"target":"clip","payload":{"id":"1"}}}`, []byte("p"))
		require.Len(t, rec.received, 1)
		assert.JSONEq(t, `{"id":"1"}`, rec.received[0].text)
		assert.Equal(t, [][]byte{[]byte("p")}, rec.received[0].blobs)
	})

	t.Run("unregistering the outer channel tears down the subtree", func(t *testing.T) {
		outer.Unregister("script-1")
		require.Len(t, rec.closed, 1)
		require.Len(t, controlRec.closed, 1)
		assert.ErrorIs(t, rec.closed[0], ErrChannelUnregistered)
		assert.ErrorIs(t, controlRec.closed[0], ErrChannelUnregistered)
		assert.Empty(t, inner.Names())
	})
}

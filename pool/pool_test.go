package pool

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/scriptmux/engine"
	"github.com/guseggert/scriptmux/engine/blank"
	"github.com/guseggert/scriptmux/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const workerEnv = "SCRIPTMUX_TEST_WORKER"

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// TestMain doubles as the worker binary when the test executable is re-run by a Manager.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		err := RunWorker(context.Background(), blank.Register(engine.NewRegistry()), WithWorkerLogger(log))
		if err != nil {
			log.Errorf("worker failed: %s", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testWorkerCommand() (*exec.Cmd, error) {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), workerEnv+"=1")
	return cmd, nil
}

// syncBuffer collects worker output across goroutines.
type syncBuffer struct {
	mut sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.String()
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	opts = append([]Option{
		WithLogger(log),
		WithWorkerCommand(testWorkerCommand),
		WithGracePeriod(2 * time.Second),
	}, opts...)
	m := NewManager(opts...)
	t.Cleanup(func() {
		assert.NoError(t, m.Disable(context.Background()))
	})
	return m
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCreateExecuteResults(t *testing.T) {
	ctx := testContext(t)
	output := &syncBuffer{}
	m := newTestManager(t, WithWorkerOutput(output))

	s, err := m.Create(ctx, "a")
	require.NoError(t, err)
	assert.True(t, s.Alive())
	assert.Equal(t, []string{"a"}, m.Names())

	b := script.NewBasic(ctx, s)
	b.MustExecute("clip out length=3 width=4 height=2 color=10")
	assert.Equal(t, []string{"out"}, b.MustResultNames())
	assert.Equal(t, bytes.Repeat([]byte{12}, 8), b.MustRenderPlane("out", 2, 0))

	err = s.Execute(ctx, "nonsense")
	assert.ErrorContains(t, err, "unknown statement")

	got, ok := m.Get("a")
	require.True(t, ok)
	assert.Same(t, s, got)

	require.Eventually(t, func() bool { return bytes.Contains([]byte(output.String()), []byte("worker serving")) },
		5*time.Second, 10*time.Millisecond)
}

func TestCreateWithProviderAndExtensions(t *testing.T) {
	ctx := testContext(t)
	m := newTestManager(t)

	s, err := m.Create(ctx, "ext", script.WithProvider(blank.ProviderName, []byte(`{"width":8}`)), script.WithExtensions("testclip"))
	require.NoError(t, err)
	b := script.NewBasic(ctx, s)
	assert.Equal(t, []string{"test"}, b.MustResultNames())

	_, err = m.Create(ctx, "bad", script.WithProvider("nope", nil))
	assert.ErrorIs(t, err, ErrHandshake)
	assert.ErrorContains(t, err, "nope")
	_, ok := m.Get("bad")
	assert.False(t, ok)

	_, err = m.Create(ctx, "badext", script.WithExtensions("nope"))
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Equal(t, []string{"ext"}, m.Names())
}

func TestCheckoutAhead(t *testing.T) {
	ctx := testContext(t)
	m := newTestManager(t)

	m.mut.Lock()
	ahead := m.next
	m.mut.Unlock()
	spawned, err := ahead.wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, spawned.State())

	_, err = m.Create(ctx, "a")
	require.NoError(t, err)

	slot, ok := m.Slot("a")
	require.True(t, ok)
	assert.Same(t, spawned, slot, "create uses the worker spawned ahead of time")
	assert.Equal(t, StateRunning, slot.State())

	m.mut.Lock()
	refill := m.next
	m.mut.Unlock()
	assert.NotSame(t, ahead, refill)
	next, err := refill.wait(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, slot.PID(), next.PID())
	assert.Equal(t, StateCreated, next.State())
}

func TestCreateExisting(t *testing.T) {
	ctx := testContext(t)
	m := newTestManager(t)

	_, err := m.Create(ctx, "a")
	require.NoError(t, err)
	_, err = m.Create(ctx, "a")
	assert.ErrorIs(t, err, script.ErrScriptExists)

	slot, ok := m.Slot("a")
	require.True(t, ok)
	require.NoError(t, unix.Kill(slot.PID(), unix.SIGKILL))
	<-slot.Exited()

	s, ok := m.Get("a")
	require.True(t, ok)
	assert.False(t, s.Alive())

	replacement, err := m.Create(ctx, "a")
	require.NoError(t, err, "a dead script's name can be reused")
	assert.True(t, replacement.Alive())
}

func TestDestroy(t *testing.T) {
	ctx := testContext(t)
	m := newTestManager(t)

	s, err := m.Create(ctx, "a")
	require.NoError(t, err)
	slot, _ := m.Slot("a")

	require.NoError(t, m.Destroy(ctx, "a"))
	assert.Empty(t, m.Names())
	assert.Equal(t, StateDisposed, slot.State())
	assert.False(t, s.Alive())
	select {
	case <-slot.Exited():
	default:
		t.Fatal("worker was not reaped")
	}

	err = m.Destroy(ctx, "a")
	assert.ErrorIs(t, err, script.ErrNoSuchScript)

	err = s.Execute(ctx, "print x")
	assert.Error(t, err)
}

func TestDoubleDisposeIsNoop(t *testing.T) {
	ctx := testContext(t)
	m := newTestManager(t)

	s, err := m.Create(ctx, "a")
	require.NoError(t, err)
	slot, _ := m.Slot("a")

	require.NoError(t, s.Dispose(ctx))
	signals := slot.signalCount()
	assert.LessOrEqual(t, signals, 1)

	require.NoError(t, s.Dispose(ctx))
	require.NoError(t, slot.Dispose(ctx))
	assert.Equal(t, signals, slot.signalCount(), "a second dispose sends no signal")
}

func TestDisable(t *testing.T) {
	ctx := testContext(t)
	m := newTestManager(t)

	a, err := m.Create(ctx, "a")
	require.NoError(t, err)
	b, err := m.Create(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, m.Disable(ctx))
	assert.False(t, a.Alive())
	assert.False(t, b.Alive())
	assert.Empty(t, m.Names())

	_, err = m.Create(ctx, "c")
	assert.ErrorIs(t, err, script.ErrManagerDisabled)
	require.NoError(t, m.Disable(ctx))
}

func TestDisposeAllSkipsDeadWorkers(t *testing.T) {
	ctx := testContext(t)
	m := newTestManager(t)

	_, err := m.Create(ctx, "live")
	require.NoError(t, err)
	_, err = m.Create(ctx, "dead")
	require.NoError(t, err)
	dead, _ := m.Slot("dead")
	require.NoError(t, unix.Kill(dead.PID(), unix.SIGKILL))
	<-dead.Exited()

	require.NoError(t, m.DisposeAll(ctx))
	assert.Empty(t, m.Names())
	assert.Zero(t, dead.signalCount())
}

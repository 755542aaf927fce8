package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/guseggert/scriptmux/engine"
	"github.com/guseggert/scriptmux/engine/blank"
	"github.com/guseggert/scriptmux/engine/local"
	inet "github.com/guseggert/scriptmux/internal/net"
	"github.com/guseggert/scriptmux/pool"
	"github.com/guseggert/scriptmux/proxy"
	"github.com/guseggert/scriptmux/rpc"
	"github.com/guseggert/scriptmux/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
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

func registry() *engine.Registry {
	return blank.Register(engine.NewRegistry())
}

// TestMain doubles as the worker binary for the pool-backed tests.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		if err := pool.RunWorker(context.Background(), registry(), pool.WithWorkerLogger(log)); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startServer(t *testing.T, p Pool, opts ...Option) *Server {
	l, err := inet.ListenLocal()
	require.NoError(t, err)
	hl, err := inet.ListenLocal()
	require.NoError(t, err)

	opts = append([]Option{WithLogger(log), WithListener(l), WithHTTPListener(hl)}, opts...)
	s := New(p, opts...)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
	})
	return s
}

func dial(t *testing.T, s *Server, opts ...proxy.DialOption) *proxy.RemoteManager {
	opts = append([]proxy.DialOption{proxy.WithDialLogger(log)}, opts...)
	m, err := proxy.Dial(testContext(t), s.Addr().String(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func newLocalPool() *local.Manager {
	return local.NewManager(registry(), local.WithLogger(log))
}

func TestListScriptsOnFreshServer(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, newLocalPool())
	m := dial(t, s)

	names, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{}, names)
}

func exerciseScript(t *testing.T, ctx context.Context, m *proxy.RemoteManager) {
	s, err := m.Create(ctx, "a")
	require.NoError(t, err)
	names, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)

	b := script.NewBasic(ctx, s)
	b.MustExecute("clip out length=5 width=3 height=3 planes=2 color=1\nmeta out kind=test")
	assert.Equal(t, []string{"out"}, b.MustResultNames())

	clip := b.MustClip("out")
	n, err := clip.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	meta, err := clip.Metadata(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"out","length":5,"kind":"test"}`, string(meta))

	frame, err := clip.Frame(ctx, 4)
	require.NoError(t, err)
	plane, err := frame.Render(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{6, 6, 6, 6, 6, 6, 6, 6, 6}, plane)
	require.NoError(t, clip.Dispose(ctx))

	err = s.Execute(ctx, "fail on purpose")
	var remoteErr *rpc.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "on purpose")
	assert.True(t, s.Alive())

	require.NoError(t, m.Destroy(ctx, "a"))
	assert.False(t, s.Alive())
	names, err = m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCreateExecuteResults(t *testing.T) {
	ctx := testContext(t)
	p := newLocalPool()
	s := startServer(t, p)
	m := dial(t, s)

	exerciseScript(t, ctx, m)
	assert.Empty(t, p.Names())
}

func TestPoolNamesAreNamespacedPerClient(t *testing.T) {
	ctx := testContext(t)
	p := newLocalPool()
	s := startServer(t, p)
	m1 := dial(t, s)
	m2 := dial(t, s)

	_, err := m1.Create(ctx, "a")
	require.NoError(t, err)
	_, err = m2.Create(ctx, "a")
	require.NoError(t, err)

	names := p.Names()
	require.Len(t, names, 2)
	for _, name := range names {
		assert.Regexp(t, `^script::127\.0\.0\.1::\d+::a$`, name)
	}
	assert.NotEqual(t, names[0], names[1])
}

func TestOpenClipUnknownTarget(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, newLocalPool())
	m := dial(t, s)

	sc, err := m.Create(ctx, "a")
	require.NoError(t, err)
	b := script.NewBasic(ctx, sc)
	b.MustExecute("clip out length=1")
	clip := b.MustClip("out")
	b.MustExecute("del out")

	_, err = clip.Metadata(ctx)
	assert.ErrorContains(t, err, "out")

	s.mut.Lock()
	require.Len(t, s.controllers, 1)
	var served *served
	for c := range s.controllers {
		c.mut.Lock()
		served = c.scripts["a"]
		c.mut.Unlock()
	}
	s.mut.Unlock()
	require.NotNil(t, served)
	assert.Empty(t, served.svc.Opened())
}

func TestDisconnectDestroysScripts(t *testing.T) {
	ctx := testContext(t)
	p := newLocalPool()
	s := startServer(t, p)
	m := dial(t, s)

	_, err := m.Create(ctx, "a")
	require.NoError(t, err)
	_, err = m.Create(ctx, "b")
	require.NoError(t, err)
	require.Len(t, p.Names(), 2)

	require.NoError(t, m.Close())
	require.Eventually(t, func() bool { return len(p.Names()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHTTPEndpoints(t *testing.T) {
	ctx := testContext(t)
	p := newLocalPool()
	s := startServer(t, p)
	baseURL := fmt.Sprintf("http://%s", s.HTTPAddr())

	require.NoError(t, proxy.WaitForServer(ctx, baseURL, proxy.WithDialLogger(log), proxy.WithWaitInterval(10*time.Millisecond)))

	_, err := p.Create(ctx, "direct")
	require.NoError(t, err)

	resp, err := http.Get(baseURL + "/scripts")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.Unmarshal(b, &names))
	assert.Equal(t, []string{"direct"}, names)
}

func TestWebSocket(t *testing.T) {
	ctx := testContext(t)
	p := newLocalPool()
	s := startServer(t, p)

	m, err := proxy.DialWebSocket(ctx, fmt.Sprintf("ws://%s/ws", s.HTTPAddr()), proxy.WithDialLogger(log))
	require.NoError(t, err)
	defer m.Close()

	names, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
	exerciseScript(t, ctx, m)
}

func TestMutualTLS(t *testing.T) {
	ctx := testContext(t)
	certs, err := GenerateCerts(time.Hour)
	require.NoError(t, err)
	serverTLS, err := ServerTLSConfig(certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes)
	require.NoError(t, err)
	clientTLS, err := ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	require.NoError(t, err)

	s := startServer(t, newLocalPool(), WithTLS(serverTLS))

	m := dial(t, s, proxy.WithTLSConfig(clientTLS))
	names, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	noCert := clientTLS.Clone()
	noCert.Certificates = nil
	shortCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	untrusted, err := proxy.Dial(shortCtx, s.Addr().String(), proxy.WithDialLogger(log), proxy.WithTLSConfig(noCert))
	if err == nil {
		defer untrusted.Close()
		_, err = untrusted.List(shortCtx)
	}
	assert.Error(t, err, "peers without a client cert are rejected")
}

func TestWorkerPool(t *testing.T) {
	ctx := testContext(t)
	p := pool.NewManager(
		pool.WithLogger(log),
		pool.WithGracePeriod(2*time.Second),
		pool.WithWorkerCommand(func() (*exec.Cmd, error) {
			cmd := exec.Command(os.Args[0], "-test.run=^$")
			cmd.Env = append(os.Environ(), workerEnv+"=1")
			return cmd, nil
		}),
	)
	defer func() { assert.NoError(t, p.Disable(context.Background())) }()

	s := startServer(t, p)
	m := dial(t, s)
	exerciseScript(t, ctx, m)
	assert.Empty(t, p.Names())
}

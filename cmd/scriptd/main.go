package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guseggert/scriptmux/engine"
	"github.com/guseggert/scriptmux/engine/blank"
	"github.com/guseggert/scriptmux/engine/local"
	"github.com/guseggert/scriptmux/pool"
	"github.com/guseggert/scriptmux/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func registry() *engine.Registry {
	return blank.Register(engine.NewRegistry())
}

func buildLogger(ctx *cli.Context) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.WithOptions(zap.IncreaseLevel(level)).Sugar(), nil
}

func decodePEM(ctx *cli.Context, flag string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(ctx.String(flag))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", flag, err)
	}
	return b, nil
}

func serverTLSOption(ctx *cli.Context) ([]server.Option, error) {
	if ctx.String("ca-cert-pem") == "" {
		return nil, nil
	}
	caCertPEM, err := decodePEM(ctx, "ca-cert-pem")
	if err != nil {
		return nil, err
	}
	certPEM, err := decodePEM(ctx, "cert-pem")
	if err != nil {
		return nil, err
	}
	keyPEM, err := decodePEM(ctx, "key-pem")
	if err != nil {
		return nil, err
	}
	cfg, err := server.ServerTLSConfig(caCertPEM, certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return []server.Option{server.WithTLS(cfg)}, nil
}

func serve(ctx *cli.Context) error {
	logger, err := buildLogger(ctx)
	if err != nil {
		return err
	}
	tlsOpts, err := serverTLSOption(ctx)
	if err != nil {
		return err
	}

	var p server.Pool
	if ctx.Bool("in-process") {
		p = local.NewManager(registry(), local.WithLogger(logger), local.WithDefaultProvider(ctx.String("provider"), nil))
	} else {
		p = pool.NewManager(
			pool.WithLogger(logger),
			pool.WithGracePeriod(ctx.Duration("grace-period")),
			pool.WithDefaultProvider(ctx.String("provider"), nil),
		)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := append([]server.Option{
		server.WithLogger(logger),
		server.WithListenAddr(ctx.String("listen-addr")),
		server.WithHTTPAddr(ctx.String("http-addr")),
	}, tlsOpts...)
	err = server.New(p, opts...).Run(sigCtx)

	disableCtx, cancel := context.WithTimeout(context.Background(), ctx.Duration("grace-period")+5*time.Second)
	defer cancel()
	if derr := p.Disable(disableCtx); derr != nil {
		logger.Warnw("error disposing scripts", "Error", derr)
	}
	return err
}

func worker(ctx *cli.Context) error {
	logger, err := buildLogger(ctx)
	if err != nil {
		return err
	}
	return pool.RunWorker(ctx.Context, registry(),
		pool.WithWorkerLogger(logger),
		pool.WithQueueSize(ctx.Int("queue-size")),
	)
}

func writeCerts(ctx *cli.Context) error {
	certs, err := server.GenerateCerts(ctx.Duration("valid-for"))
	if err != nil {
		return err
	}
	dir := ctx.String("dir")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	files := map[string][]byte{
		"ca.pem":         certs.CA.CertPEMBytes,
		"server.pem":     certs.Server.CertPEMBytes,
		"server-key.pem": certs.Server.KeyPEMBytes,
		"client.pem":     certs.Client.CertPEMBytes,
		"client-key.pem": certs.Client.KeyPEMBytes,
	}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(dir, name), b, 0600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "scriptd",
		Usage: "serves scripting engines running in worker processes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Minimum log level. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"SCRIPTD_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "accept clients over TCP and WebSocket",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "listen-addr",
						Usage:   "The address for the TCP listener.",
						Value:   server.DefaultListenAddr,
						EnvVars: []string{"SCRIPTD_LISTEN_ADDR"},
					},
					&cli.StringFlag{
						Name:    "http-addr",
						Usage:   "The address for the HTTP listener serving /ws. Empty disables it.",
						Value:   server.DefaultHTTPAddr,
						EnvVars: []string{"SCRIPTD_HTTP_ADDR"},
					},
					&cli.StringFlag{
						Name:    "provider",
						Usage:   "The engine new scripts run.",
						Value:   pool.DefaultProvider,
						EnvVars: []string{"SCRIPTD_PROVIDER"},
					},
					&cli.DurationFlag{
						Name:    "grace-period",
						Usage:   "How long a worker gets to exit after SIGTERM.",
						Value:   5 * time.Second,
						EnvVars: []string{"SCRIPTD_GRACE_PERIOD"},
					},
					&cli.BoolFlag{
						Name:    "in-process",
						Usage:   "Run scripts in the server process instead of worker processes.",
						EnvVars: []string{"SCRIPTD_IN_PROCESS"},
					},
					&cli.StringFlag{
						Name:    "ca-cert-pem",
						Usage:   "The CA cert PEM bytes to use (base64-encoded). Enables mutual TLS.",
						EnvVars: []string{"SCRIPTD_CA_CERT_PEM"},
					},
					&cli.StringFlag{
						Name:    "cert-pem",
						Usage:   "The cert PEM bytes to use (base64-encoded).",
						EnvVars: []string{"SCRIPTD_CERT_PEM"},
					},
					&cli.StringFlag{
						Name:    "key-pem",
						Usage:   "The key PEM bytes to use (base64-encoded).",
						EnvVars: []string{"SCRIPTD_KEY_PEM"},
					},
				},
				Action: serve,
			},
			{
				Name:  "worker",
				Usage: "run one script engine over inherited pipes (started by serve)",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "queue-size",
						Usage:   "The number of requests held before new ones are rejected.",
						Value:   pool.DefaultQueueSize,
						EnvVars: []string{"SCRIPTD_QUEUE_SIZE"},
					},
				},
				Action: worker,
			},
			{
				Name:  "certs",
				Usage: "generate a CA and server and client certs for mutual TLS",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "dir",
						Usage: "The directory to write PEM files to.",
						Value: ".",
					},
					&cli.DurationFlag{
						Name:  "valid-for",
						Usage: "How long the certs are valid.",
						Value: 7 * 24 * time.Hour,
					},
				},
				Action: writeCerts,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// Command rathole is a reverse proxy for NAT traversal: run it with -s on
// a public host and with -c behind the NAT, pointing both at a config file.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flynn/noise"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nearbyplayer/rathole/client"
	"github.com/nearbyplayer/rathole/config"
	"github.com/nearbyplayer/rathole/internal/rlimit"
	"github.com/nearbyplayer/rathole/observability"
	"github.com/nearbyplayer/rathole/observability/prom"
	"github.com/nearbyplayer/rathole/server"
)

var opt struct {
	Server  bool
	Client  bool
	GenKey  string
	Verbose int
	Help    bool
}

func init() {
	pflag.BoolVarP(&opt.Server, "server", "s", false, "Run in server mode")
	pflag.BoolVarP(&opt.Client, "client", "c", false, "Run in client mode")
	pflag.StringVar(&opt.GenKey, "genkey", "", "Print a Noise static keypair and exit (optional curve, default 25519)")
	pflag.CountVarP(&opt.Verbose, "verbose", "v", "Increase log verbosity (repeatable)")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.Lookup("genkey").NoOptDefVal = "25519"
}

func main() {
	pflag.Parse()
	if opt.Help {
		usage()
		os.Exit(0)
	}
	if opt.GenKey != "" {
		if err := genkey(opt.GenKey); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if pflag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	if opt.Server && opt.Client {
		fmt.Fprintln(os.Stderr, "error: --server and --client are mutually exclusive")
		os.Exit(1)
	}

	log := newLogger(opt.Verbose)
	path := pflag.Arg(0)

	cfg, err := config.Load(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("configuration rejected")
		os.Exit(1)
	}
	runServer := cfg.Server != nil && !opt.Client
	runClient := cfg.Client != nil && !opt.Server
	if opt.Server && cfg.Server == nil {
		log.Error().Msg("server mode forced but config has no [server] section")
		os.Exit(1)
	}
	if opt.Client && cfg.Client == nil {
		log.Error().Msg("client mode forced but config has no [client] section")
		os.Exit(1)
	}
	if !runServer && !runClient {
		log.Error().Msg("nothing to run for the requested mode")
		os.Exit(1)
	}

	if n, err := rlimit.Raise(); err != nil {
		log.Warn().Err(err).Msg("could not raise fd limit")
	} else if n > 0 {
		log.Debug().Uint64("nofile", n).Msg("fd limit raised")
	}

	if err := run(log, path, cfg, runServer, runClient); err != nil {
		log.Error().Err(err).Msg("unrecoverable runtime error")
		os.Exit(2)
	}
}

func run(log zerolog.Logger, path string, cfg *config.Config, runServer, runClient bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := observability.NoopObserver
	if runServer && cfg.Server.MetricsAddr != "" {
		obs = serveMetrics(ctx, log, cfg.Server.MetricsAddr)
	}

	serverReload := make(chan *config.ServerConfig)
	clientReload := make(chan *config.ClientConfig)

	g, gctx := errgroup.WithContext(ctx)
	if runServer {
		s, err := server.New(cfg.Server, log, obs)
		if err != nil {
			return err
		}
		g.Go(func() error { return s.Run(gctx, serverReload) })
	}
	if runClient {
		c, err := client.New(cfg.Client, log, obs)
		if err != nil {
			return err
		}
		g.Go(func() error { return c.Run(gctx, clientReload) })
	}
	g.Go(func() error {
		return watchConfig(gctx, log, path, runServer, runClient, serverReload, clientReload)
	})

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		log.Info().Msg("shut down cleanly")
		return nil
	}
	return err
}

// watchConfig feeds reload snapshots from the file watcher and SIGHUP into
// the running cores.
func watchConfig(ctx context.Context, log zerolog.Logger, path string, runServer, runClient bool,
	serverReload chan<- *config.ServerConfig, clientReload chan<- *config.ClientConfig) error {

	changes, err := config.Watch(ctx, path, log)
	if err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable; hot reload via SIGHUP only")
		changes = nil
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	dispatch := func(next *config.Config) {
		if runServer && next.Server != nil {
			select {
			case serverReload <- next.Server:
			case <-ctx.Done():
			}
		}
		if runClient && next.Client != nil {
			select {
			case clientReload <- next.Client:
			case <-ctx.Done():
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			dispatch(next)
		case <-hup:
			next, err := config.Load(path)
			if err != nil {
				log.Error().Err(err).Msg("SIGHUP reload rejected")
				continue
			}
			log.Info().Msg("SIGHUP reload")
			dispatch(next)
		}
	}
}

// serveMetrics exposes /metrics and /healthz and returns the live observer.
func serveMetrics(ctx context.Context, log zerolog.Logger, addr string) observability.Observer {
	reg := prom.NewRegistry()
	obs := prom.NewObserver(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return obs
}

// genkey prints a fresh Noise static keypair in the config file encoding.
func genkey(curve string) error {
	if curve != "25519" {
		return fmt.Errorf("unsupported curve %q", curve)
	}
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return err
	}
	fmt.Printf("Private Key:\n%s\n\nPublic Key:\n%s\n",
		base64.StdEncoding.EncodeToString(kp.Private),
		base64.StdEncoding.EncodeToString(kp.Public))
	return nil
}

func newLogger(verbosity int) zerolog.Logger {
	level := zerolog.InfoLevel
	switch {
	case verbosity == 1:
		level = zerolog.DebugLevel
	case verbosity >= 2:
		level = zerolog.TraceLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func usage() {
	fmt.Printf("usage: %s [options] <config>\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
}

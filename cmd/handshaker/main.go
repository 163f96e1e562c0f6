// handshaker is a hidden distribution node that runs DTLS-SRTP handshakes
// on behalf of the host node that connects to it.
//
// It publishes itself to EPMD, prints "ready" on stdout, accepts exactly one
// host connection and then serves start_server requests until the host goes
// away. Logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/membraneframework/membrane-element-rtp/internal/bridge"
	"github.com/membraneframework/membrane-element-rtp/internal/config"
	"github.com/membraneframework/membrane-element-rtp/internal/engine"
	"github.com/membraneframework/membrane-element-rtp/internal/epmd"
	"github.com/membraneframework/membrane-element-rtp/internal/logging"
	"github.com/membraneframework/membrane-element-rtp/internal/node"
	"github.com/membraneframework/membrane-element-rtp/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

// options is everything the command line and config file decide.
type options struct {
	id  identity
	cfg config.Config
}

func parseOptions(argv []string, stderr io.Writer) (options, error) {
	prog := filepath.Base(argv[0])
	var configPath string
	fs := pflag.NewFlagSet(prog, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configPath, "config", "", "TOML config file (default $"+config.EnvConfigPath+")")
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage(prog))
		fs.PrintDefaults()
	}
	if err := fs.Parse(argv[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return options{}, errUsage
		}
		fmt.Fprintln(stderr, usage(prog))
		return options{}, fmt.Errorf("%w: %w", errUsage, err)
	}

	id, err := parseIdentity(fs.Args())
	if err != nil {
		fmt.Fprintln(stderr, usage(prog))
		return options{}, err
	}

	if configPath == "" {
		configPath = strings.TrimSpace(os.Getenv(config.EnvConfigPath))
	}
	cfg := config.Default()
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return options{}, err
		}
	}
	return options{id: id, cfg: cfg}, nil
}

func configureLogging(cfg config.LogConfig) {
	logging.ConfigureRuntime()
	if cfg.JSON {
		lc := logging.DefaultConfig(logging.ProfileRuntime)
		lc.JSON = true
		logging.Apply(lc)
	}
	if cfg.Level != "" {
		logging.SetLevel(cfg.Level)
	}
	// The environment wins over the file.
	logging.SetLevel(os.Getenv(logging.EnvLogLevel))
}

func run(ctx context.Context, argv []string, stdout, stderr io.Writer) error {
	opts, err := parseOptions(argv, stderr)
	if err != nil {
		return err
	}
	configureLogging(opts.cfg.Log)
	cfg := opts.cfg

	profiles, err := engine.ParseProfiles(cfg.Engine.Profiles)
	if err != nil {
		return err
	}

	ncfg := node.DefaultConfig()
	ncfg.Name = opts.id.NodeName
	ncfg.Cookie = opts.id.Cookie
	ncfg.Creation = opts.id.Creation
	ncfg.ListenAddr = cfg.ListenAddr
	ncfg.Session = cfg.Session

	ln, err := node.Listen(ncfg)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	log.Info().Str("node", ncfg.Name).Str("host", opts.id.HostName).Uint16("port", ln.Port).Msg("handshaker listening")

	client := epmd.NewClient(cfg.EPMD.Addr)
	client.Timeout = cfg.EPMD.Timeout
	reg, err := client.RegisterRetry(ctx, opts.id.AliveName, ln.Port, cfg.Session.Backoff, cfg.EPMD.MaxAttempts)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer reg.Close()

	if _, err := fmt.Fprint(stdout, "ready\r\n"); err != nil {
		return err
	}

	sess, err := ln.Accept(ctx)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer sess.Close()
	// One peer per process; stop accepting.
	_ = ln.Close()

	eng := engine.NewDTLS(logging.PionFactory{Logger: log.Logger})
	eng.Profiles = profiles
	eng.MTU = cfg.Engine.MTU

	d := bridge.New(sess, eng, bridge.Options{
		Session: cfg.Session,
		Node:    ncfg.Name,
		Peer:    sess.Peer.Name,
	})

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)
	defer stopServe()
	g.Go(func() error {
		defer stopServe()
		err := d.Serve(gctx)
		if err != nil {
			log.Error().Err(err).Str("session", sess.ID().String()).Msg("handshaker session ended")
		}
		return err
	})
	if cfg.Diagnostics.Addr != "" {
		diag := server.New(ncfg.Name, cfg.Diagnostics.Addr, d.Status)
		g.Go(func() error {
			return diag.Serve(serveCtx)
		})
	}
	return g.Wait()
}

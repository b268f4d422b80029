package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/cncstream/internal/config"
	"github.com/shaunagostinho/cncstream/internal/logging"
	"github.com/shaunagostinho/cncstream/internal/recorder"
	"github.com/shaunagostinho/cncstream/internal/sender"
	"github.com/shaunagostinho/cncstream/internal/server"
	"github.com/shaunagostinho/cncstream/internal/transport"
	"github.com/shaunagostinho/cncstream/web"
)

func main() {
	configPath := flag.String("config", "/etc/cncstream/config.yaml", "Path to config file (.yaml or .toml)")
	port := flag.String("port", "", "Override serial port (\"sim\" for the simulator)")
	baud := flag.Int("baud", 0, "Override baud rate")
	firmware := flag.String("firmware", "", "Override firmware (GRBL, GRBL0, GRBL1, SMOOTHIE, G2CORE)")
	demo := flag.Bool("demo", false, "Run against the built-in simulated controller")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	runFile := flag.String("run", "", "Stream this G-code file once connected, then exit")
	flag.Parse()

	log := logging.Init("cncstream", os.Getenv("CNCSTREAM_LOG_LEVEL"))

	cfg, err := config.Load(*configPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if cfg.Log.Level != "" {
		log = log.Level(logging.ParseLevel(cfg.Log.Level))
	}
	if *port != "" {
		cfg.Controller.Port = *port
	}
	if *baud > 0 {
		cfg.Controller.Baud = *baud
	}
	if *firmware != "" {
		cfg.Controller.Firmware = *firmware
	}
	if *demo {
		cfg.Controller.Port = "sim"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
		cfg.Server.Enabled = true
	}
	log.Info().Str("config", cfg.Path()).Msg("cncstream starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	dial := transport.SerialDialer(log)
	if cfg.Controller.Port == "sim" {
		dial = transport.SimulatorDialer(transport.NewSimulator(transport.SimConfig{
			LineTime: 20 * time.Millisecond,
			Jitter:   true,
		}))
	}
	snd, err := sender.New(cfg.Sender(), dial, log)
	if err != nil {
		log.Fatal().Err(err).Msg("sender")
	}
	defer snd.Close()

	// Subscribe before connecting so the first transitions are recorded.
	rec := recorder.New(recorder.Config{
		Enabled:    cfg.JobLog.Enabled,
		Path:       cfg.JobLog.Path,
		IntervalMs: cfg.JobLog.Interval,
	}, log)
	defer rec.Close()
	recEvents, unsubscribe := snd.Subscribe()
	defer unsubscribe()
	go rec.Run(ctx, recEvents, snd.Snapshot)

	if cfg.Server.Enabled {
		srv := server.New(cfg, snd, web.FS, log)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error().Err(err).Msg("server exited")
			}
		}()
	}

	// Connect in the background; the console and server start regardless.
	go supervise(ctx, snd, cfg.Controller.Port, cfg.Controller.Baud, log)

	if *runFile != "" {
		if err := runOnce(ctx, snd, *runFile, log); err != nil {
			log.Error().Err(err).Msg("job failed")
			snd.Close()
			os.Exit(1)
		}
		return
	}

	c := newConsole(snd, os.Stdout, log)
	c.Run(ctx, os.Stdin)
}

// supervise keeps the sender connected, reconnecting with backoff after
// the link drops.
func supervise(ctx context.Context, snd *sender.Sender, port string, baud int, log zerolog.Logger) {
	events, unsubscribe := snd.Subscribe()
	defer unsubscribe()

	connectWithRetry(ctx, snd, port, baud, 10, log)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if d, ok := ev.(sender.Disconnected); ok && d.Err != nil {
				log.Warn().Err(d.Err).Msg("link lost, reconnecting")
				connectWithRetry(ctx, snd, port, baud, 10, log)
			}
		}
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, snd *sender.Sender, port string, baud, maxAttempts int, log zerolog.Logger) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := snd.Open(port, baud)
		if err == nil || errors.Is(err, sender.ErrConnected) {
			log.Info().Str("port", port).Int("attempt", attempt+1).Msg("connected")
			return
		}

		attempt++
		ev := log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay)
		if attempt <= maxAttempts {
			ev = ev.Int("max_attempts", maxAttempts)
		}
		ev.Msg("connect failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

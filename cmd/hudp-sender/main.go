// Command hudp-sender drives the sending side of an H-UDP peer pair: it
// dials a configured remote address and repeatedly reads payloads from
// stdin, sending each on the reliable channel.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sk2001git/hudp"
	"github.com/sk2001git/hudp/internal/config"
	"github.com/sk2001git/hudp/internal/emulator"
	"github.com/sk2001git/hudp/internal/metrics"
	"github.com/sk2001git/hudp/internal/mux"
)

var configFile = flag.String("f", "configs/sender.yaml", "config file path")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("starting hudp-sender", zap.String("peer", cfg.Listen.Peer))

	promMetrics := metrics.New("hudp", "sender")
	recorder := metrics.NewRecorder("sender", promMetrics)

	hooks := hudp.Hooks{
		OnRetransmit: recorder.OnRetransmit,
		OnDrop:       recorder.OnDrop,
		OnSkip:       recorder.OnSkip,
		OnRTT:        recorder.OnRTT,
	}

	ep, err := hudp.Dial(cfg.Listen.Addr, cfg.Listen.Peer, cfg.ToMuxConfig(), hooks, logger)
	if err != nil {
		logger.Fatal("dial failed", zap.Error(err))
	}

	if cfg.Emulator.Enable {
		emu := emulator.New(cfg.ToEmulatorConfig())
		ep.SetImpair(func(next mux.WriteFunc) mux.WriteFunc {
			return func(data []byte, addr net.Addr) error {
				return emu.Wrap(func(d []byte) error { return next(d, addr) })(data)
			}
		})
	}

	ep.Start()
	defer ep.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	doneCh := make(chan struct{})
	go readStdinAndSend(ep, recorder, logger, doneCh)

	select {
	case <-doneCh:
	case sig := <-sigCh:
		logger.Info("received signal", zap.String("signal", sig.String()))
	}

	if path := cfg.Metrics.CSVPath; path != "" {
		if err := recorder.ExportCSV(path); err != nil {
			logger.Warn("metrics csv export failed", zap.Error(err))
		}
	}
	logger.Info("hudp-sender shutdown complete")
}

func readStdinAndSend(ep *hudp.Endpoint, recorder *metrics.Recorder, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		seq, err := ep.Send(line)
		if err != nil {
			logger.Warn("send failed", zap.Error(err))
			continue
		}
		recorder.OnSent("reliable", seq, len(line))
	}
}

func buildLogger(level string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}

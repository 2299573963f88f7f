// Command hudp-receiver drives the listening side of an H-UDP peer pair:
// it binds a local address, learns its peer from the first datagram, and
// writes every delivered payload, from either channel, to stdout.
package main

import (
	"context"
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
	"github.com/sk2001git/hudp/internal/wire"
)

var configFile = flag.String("f", "configs/receiver.yaml", "config file path")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("starting hudp-receiver", zap.String("listen", cfg.Listen.Addr))

	promMetrics := metrics.New("hudp", "receiver")
	recorder := metrics.NewRecorder("receiver", promMetrics)

	hooks := hudp.Hooks{
		OnRetransmit: recorder.OnRetransmit,
		OnDrop:       recorder.OnDrop,
		OnSkip:       recorder.OnSkip,
		OnRTT:        recorder.OnRTT,
	}

	ep, err := hudp.Listen(cfg.Listen.Addr, cfg.ToMuxConfig(), hooks, logger)
	if err != nil {
		logger.Fatal("listen failed", zap.Error(err))
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doneCh := make(chan struct{})
	go recvAndPrint(ctx, ep, recorder, logger, doneCh)

	select {
	case <-doneCh:
	case sig := <-sigCh:
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
		<-doneCh
	}

	if path := cfg.Metrics.CSVPath; path != "" {
		if err := recorder.ExportCSV(path); err != nil {
			logger.Warn("metrics csv export failed", zap.Error(err))
		}
	}
	logger.Info("hudp-receiver shutdown complete")
}

func recvAndPrint(ctx context.Context, ep *hudp.Endpoint, recorder *metrics.Recorder, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)

	for {
		msg, err := ep.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("recv failed", zap.Error(err))
			continue
		}

		channel := "unreliable"
		if msg.Channel == wire.TagReliable {
			channel = "reliable"
		}
		recorder.OnRecv(channel, msg.Seq, len(msg.Payload), msg.TimestampMs)

		fmt.Println(string(msg.Payload))
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

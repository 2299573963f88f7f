package config

import (
	"github.com/sk2001git/hudp/internal/emulator"
	"github.com/sk2001git/hudp/internal/mux"
	"github.com/sk2001git/hudp/internal/reliability"
)

// ToMuxConfig builds a mux.Config from the loaded CLI configuration.
func (c *Config) ToMuxConfig() mux.Config {
	return mux.Config{
		Sender: reliability.SenderConfig{
			WindowSize:       c.Sender.WindowSize,
			InitialRTO:       c.Sender.InitialRTO,
			MinRTO:           c.Sender.MinRTO,
			MaxRTO:           c.Sender.MaxRTO,
			MaxRetries:       c.Sender.MaxRetries,
			InitialCwnd:      c.Sender.InitialCwnd,
			SsthreshFloor:    c.Sender.SsthreshFloor,
			DupAckThreshold:  c.Sender.DupAckThreshold,
			SendBlockTimeout: c.Sender.SendBlockTimeout,
		},
		Receiver: reliability.ReceiverConfig{
			WindowSize:    c.Receiver.WindowSize,
			MaxBuffer:     c.Receiver.MaxBuffer,
			SkipThreshold: c.Receiver.SkipThreshold,
			SkipTick:      c.Receiver.SkipTick,
		},
		FEC: mux.FECConfig{
			Enabled:       c.FEC.Enabled,
			DataShards:    c.FEC.DataShards,
			ParityShards:  c.FEC.ParityShards,
			GroupLifetime: c.FEC.GroupLifetime,
		},
	}
}

// ToEmulatorConfig builds an emulator.Config from the loaded CLI
// configuration.
func (c *Config) ToEmulatorConfig() emulator.Config {
	return emulator.Config{
		LossRate: c.Emulator.LossRate,
		DelayMs:  c.Emulator.DelayMs,
		JitterMs: c.Emulator.JitterMs,
	}
}

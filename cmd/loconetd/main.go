// loconetd drives a LocoNet layout bus: locomotive slots, accessory
// outputs, sensor inputs, the fast clock and LNCV module programming.
//
// Usage:
//
//	loconetd -config layout.yaml [options]
//
// Options:
//
//	-config string   Configuration file (required)
//	-monitor string  Override the monitor listen address
//	-debug           Force byte-level bus tracing
//
// Example configuration:
//
//	interface:
//	  type: locobuffer
//	  device: /dev/ttyUSB0
//	loconet:
//	  fast_clock_master: true
//	monitor:
//	  enabled: true
//	  address: ":8421"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loconetd/pkg/config"
	"loconetd/pkg/loconet"
	"loconetd/pkg/log"
	"loconetd/pkg/metrics"
	"loconetd/pkg/monitor"
)

func main() {
	configFile := flag.String("config", "", "Configuration file (required)")
	monitorAddr := flag.String("monitor", "", "Override monitor listen address")
	debug := flag.Bool("debug", false, "Force byte-level bus tracing")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("loconetd")
	log.ConfigureFromEnv(logger)
	if cfg.Log.Level != "" {
		logger.SetLevel(log.ParseLevel(cfg.Log.Level))
	}
	if cfg.Log.File != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		logger.SetWriter(w)
		logger.SetColorize(false)
	}
	log.SetDefaultLogger(logger)

	kernelCfg := cfg.KernelConfig()
	if *debug {
		kernelCfg.Debug = true
	}

	factory, err := cfg.IOHandlerFactory()
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}

	kernel, err := loconet.Create(kernelCfg, factory)
	if err != nil {
		logger.Error("create kernel: %v", err)
		os.Exit(1)
	}

	var mon *monitor.Server
	addr := cfg.Monitor.Address
	if *monitorAddr != "" {
		addr = *monitorAddr
	}
	if (cfg.Monitor.Enabled || *monitorAddr != "") && addr != "" {
		mon = monitor.NewServer(addr, metrics.DefaultRegistry())
		kernel.SetOnMessage(mon.HandleMessage)
	}

	kernel.SetOnStarted(func() {
		logger.Info("loconet interface up")
	})
	kernel.SetOnGlobalPowerChanged(func(on bool) {
		logger.Info("track power %v", on)
	})

	if mon != nil {
		mon.Start()
	}
	if err := kernel.Start(); err != nil {
		logger.Error("start: %v", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("received %s, shutting down", s)

	kernel.Stop()
	if mon != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mon.Shutdown(ctx)
	}
}

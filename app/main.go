// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iKaew/hass-linkstation-addon/coordinator"
	"github.com/iKaew/hass-linkstation-addon/device"
	"github.com/iKaew/hass-linkstation-addon/hamqtt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// Main is the entry point of the linkstation-monitor binary.
func Main() {
	logger := logrus.New()

	fs := pflag.NewFlagSet("linkstation-monitor", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "config.yaml", "Path to the YAML configuration file.")
	listen := fs.String("listen", "", "Override the HTTP listen address. Use \"-\" to disable HTTP.")
	level := LevelFlag(logrus.InfoLevel)
	fs.Var(&level, "log-level", fmt.Sprintf("Log level. One of: %s.", LevelFlagValues()))
	_ = fs.Parse(os.Args[1:])

	logger.SetLevel(level.Value())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	device.RegisterMonitoring(reg)
	coordinator.RegisterMonitoring(reg)
	hamqtt.RegisterMonitoring(reg)

	a := App{
		ConfigPath: *configPath,
		Listen:     *listen,
		Logger:     logger,
		Gatherer:   reg,
	}

	c, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()

	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signalC)
	go func() {
		for sig := range signalC {
			if sig != syscall.SIGHUP {
				logger.Infof("Received signal %s; shutting down.", sig)
				cancelFunc()
				return
			}

			logger.Info("Received SIGHUP; reloading configuration.")
			if err := a.Reload(c); err != nil {
				logger.Errorf("Reload failed: %s", err)
			}
		}
	}()

	if err := a.Run(c); err != nil {
		logger.Errorf("Monitor failed: %s", err)
		os.Exit(1)
	}
}

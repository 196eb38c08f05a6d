// Command proximityd runs a proximity node: it discovers nearby peers over
// Bluetooth LE, samples the wearer's heart rate and reports close contacts
// to a telemetry collector.
//
// Usage:
//
//	proximityd [flags] [selfId] [displayName...]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/vinayprograms/proximitykit/config"
	"github.com/vinayprograms/proximitykit/engine"
	perrors "github.com/vinayprograms/proximitykit/errors"
	"github.com/vinayprograms/proximitykit/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) (code int) {
	fs := pflag.NewFlagSet("proximityd", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: proximityd [flags] [selfId] [displayName...]\n\n")
		fs.PrintDefaults()
	}
	flags := config.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, src, err := config.Load(flags, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proximityd: %v\n", err)
		return 1
	}

	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Options{
		Level:  level,
		Format: logging.Format(cfg.LogFormat),
	})
	logger.Banner(cfg.SelfID, cfg.Name(), cfg.Debug)
	if src.File != "" {
		logger.Debug("config file loaded", map[string]interface{}{"path": src.File})
	}

	ctx := context.Background()
	e, err := engine.New(ctx, engine.Options{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("cannot build node", map[string]interface{}{"error": err.Error()})
		return 1
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("fatal error, releasing radio", map[string]interface{}{"panic": perrors.RecoverPanic(r).Error()})
			if err := e.StopScanning(); err != nil {
				logger.Warn("stop scanning failed", map[string]interface{}{"error": err.Error()})
			}
			code = 1
		}
	}()

	coord := e.Shutdown()
	stopSignals := coord.HandleSignals()
	defer stopSignals()

	if err := e.Start(ctx); err != nil {
		logger.Error("cannot start node", map[string]interface{}{"error": err.Error()})
		_ = coord.ShutdownWithTimeout()
		return 1
	}

	<-coord.Done()
	res := coord.Result()
	if res.Err != nil {
		logger.Warn("shutdown incomplete", map[string]interface{}{
			"error":  res.Err.Error(),
			"failed": res.Failed(),
		})
		return 1
	}
	logger.Info("stopped", map[string]interface{}{"duration": res.TotalDuration.String()})
	return 0
}

// Command groupshaper is a per-process traffic shaper: given a network
// device and a YAML configuration of named process groups, it builds a
// two-sided HTB topology and keeps per-port filters in sync with the
// live process/socket table until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NodePath81/groupshaper/internal/config"
	"github.com/NodePath81/groupshaper/internal/ifb"
	"github.com/NodePath81/groupshaper/internal/procmatch"
	"github.com/NodePath81/groupshaper/internal/reconcile"
	"github.com/NodePath81/groupshaper/internal/runner"
	"github.com/NodePath81/groupshaper/internal/speedtest"
	"github.com/NodePath81/groupshaper/internal/tc"
	"github.com/NodePath81/groupshaper/internal/teardown"
	"github.com/NodePath81/groupshaper/internal/topology"
	"github.com/NodePath81/groupshaper/internal/util"
)

func main() {
	var delay float64
	var levelName string
	var runSpeedTest bool

	flag.Float64Var(&delay, "delay", 1, "reconciliation tick interval in seconds")
	flag.Float64Var(&delay, "d", 1, "reconciliation tick interval in seconds (shorthand)")
	flag.StringVar(&levelName, "logging-level", "INFO", "TRACE, DEBUG, INFO, SUCCESS, WARNING, ERROR, or CRITICAL")
	flag.StringVar(&levelName, "l", "INFO", "logging level (shorthand)")
	flag.BoolVar(&runSpeedTest, "speed-test", false, "probe bandwidth and override configured rates")
	flag.BoolVar(&runSpeedTest, "s", false, "probe bandwidth (shorthand)")
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: groupshaper [flags] <device> <config>")
		os.Exit(1)
	}
	device, configPath := flag.Arg(0), flag.Arg(1)

	level, err := util.ParseLevel(levelName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := util.NewLogger(level)

	if err := run(device, configPath, time.Duration(delay*float64(time.Second)), runSpeedTest, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(device, configPath string, delay time.Duration, runSpeedTest bool, logger util.Logger) error {
	cfg, err := config.LoadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cmdRunner := runner.New(logger)

	if runSpeedTest {
		applySpeedTest(context.Background(), cmdRunner, &cfg, logger)
	}

	driver := tc.New(cmdRunner, logger)
	ifbMgr := ifb.New(cmdRunner, logger)
	coordinator := teardown.New(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	topo, err := topology.Build(ctx, device, cfg, driver, ifbMgr, coordinator, logger)
	if err != nil {
		coordinator.RunAll()
		return fmt.Errorf("building topology: %w", err)
	}

	resolver := procmatch.New(logger)
	loop := reconcile.New(driver, resolver, topo, cfg.Groups, logger)

	err = loop.Run(ctx, delay)
	coordinator.RunAll()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reconciliation loop: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// applySpeedTest probes bandwidth and overrides the configured global
// rates for the lifetime of the process, per spec.md §6. A probe
// failure is logged and the configured rates are kept, never fatal.
func applySpeedTest(ctx context.Context, r *runner.Runner, cfg *config.Config, logger util.Logger) {
	result, err := speedtest.Run(ctx, r)
	if err != nil {
		logger.Warn("speed test failed, falling back to configured rates", "error", err)
		return
	}
	logger.Info("speed test succeeded, overriding configured rates",
		"download_bps", result.DownloadRate, "upload_bps", result.UploadRate)
	cfg.DownloadRate = speedtest.RateToken(result.DownloadRate)
	cfg.UploadRate = speedtest.RateToken(result.UploadRate)
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/configmap"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/servicectx"
	"github.com/keboola/channel-distributer/internal/pkg/service/importer/config"
	"github.com/keboola/channel-distributer/internal/pkg/service/importer/service"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("fatal error: %s\n", err.Error()) // nolint:forbidigo
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(ctx, os.Args, os.LookupEnv)
	var helpErr configmap.HelpError
	if errors.As(err, &helpErr) {
		// Stop on --help flag
		fmt.Print(helpErr.Help) // nolint:forbidigo
		return nil
	} else if err != nil {
		return err
	}

	// Create logger.
	format, err := log.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	logger := log.NewServiceLogger(os.Stderr, format, cfg.DebugLog)

	// Create process abstraction.
	proc, err := servicectx.New(ctx, logger, servicectx.WithUniqueID(cfg.HostID))
	if err != nil {
		return err
	}

	// Start the host.
	logger.Infof(ctx, `starting channel-distributer, backend "%s", debug=%t`, cfg.Backend, cfg.DebugLog)
	if _, err := service.Start(ctx, proc, logger, cfg); err != nil {
		proc.Shutdown(ctx, err)
		proc.WaitForShutdown()
		return err
	}

	// Wait for the service shutdown.
	proc.WaitForShutdown()
	return nil
}

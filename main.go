package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/iencode/iencode/internal"
	"github.com/iencode/iencode/pkg/logger"
)

var log = logger.Get("Main")

const (
	exitOK = iota
	exitBadConfig
	exitStoreUnavailable
	exitBrokerUnavailable
)

// main loads the configuration, installs signal handling and runs the
// service until it stops. The exit code communicates the failure class:
// 1 invalid config, 2 job store unreachable, 3 broker unreachable.
func main() {
	configPath := flag.String("config", "", "path to the YAML config file (environment only when omitted)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logger.SetMinLoggingLevel(logger.DEBUG.Level())
	}

	config := internal.IencodeConfig{}
	var err error
	if *configPath != "" {
		err = config.LoadFromFile(*configPath)
	} else {
		err = config.LoadFromEnv()
	}
	if err != nil {
		log.Errorf("%s\n", err.Error())
		os.Exit(exitBadConfig)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := internal.New(config).Run(ctx); err != nil {
		log.Errorf("iencode stopped: %s\n", err.Error())
		switch {
		case errors.Is(err, internal.ErrStoreUnavailable):
			os.Exit(exitStoreUnavailable)
		case errors.Is(err, internal.ErrBrokerUnavailable):
			os.Exit(exitBrokerUnavailable)
		default:
			os.Exit(1)
		}
	}

	log.Infof("Goodbye!\n")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"postbridge/internal/app"
	"postbridge/internal/config"
	"postbridge/internal/engine"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
	exitStartup = 3 // account could not be resolved
	exitForced  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml); optional")
	flag.StringVar(&envPath, "env", ".env", "path to .env file; optional")
	flag.Parse()

	if _, err := config.LoadDotEnv(envPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return exitConfig
	}

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		if errors.Is(err, app.ErrConfig) {
			return exitConfig
		}
		return exitFailure
	}

	// The first signal drains; a second one gives up on draining.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		<-sigs
		a.RequestShutdown()
		<-sigs
		fmt.Fprintln(os.Stderr, "forced exit")
		os.Exit(exitForced)
	}()

	if err := a.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		if errors.Is(err, engine.ErrStartup) {
			return exitStartup
		}
		return exitFailure
	}
	return exitOK
}

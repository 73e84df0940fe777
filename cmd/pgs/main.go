// Command pgs runs the static file server: load pgs_conf.json, start the
// event loop, worker pool, and optional metrics listener, and run until
// SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pgsfileserver/pgs/pkg/config"
	"github.com/pgsfileserver/pgs/pkg/logging"
	"github.com/pgsfileserver/pgs/pkg/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "pgs_conf.json", "path to the JSON configuration file")
	logPath := flag.String("log", "pgs.log", "path to the server log file")
	flag.Parse()

	logger, err := logging.New(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pgs: failed to open log file: %v\n", err)
		return 1
	}
	defer logger.Close()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("-", fmt.Sprintf("failed to load configuration: %v", err))
		return 1
	}
	logger.Success("-", "configuration loaded from "+*configPath)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("-", fmt.Sprintf("failed to build server: %v", err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Error("-", fmt.Sprintf("failed to start server: %v", err))
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("-", "shutdown signal received")
		srv.Stop()
	}()

	port, _ := srv.Port()
	logger.Success("-", fmt.Sprintf("server ready on port %d", port))

	if err := srv.Wait(); err != nil {
		logger.Error("-", fmt.Sprintf("server exited with error: %v", err))
		return 1
	}

	return 0
}

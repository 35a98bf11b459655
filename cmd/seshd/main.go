// seshd – the background server that owns all sesh sessions.
//
// Usage:
//
//	seshd [--socket <path>]
//
// The server listens on a Unix domain socket and handles commands from the
// sesh CLI.  It is normally started automatically by sesh; you do not need
// to run it by hand.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/seshterm/sesh/internal/config"
	"github.com/seshterm/sesh/internal/logging"
	"github.com/seshterm/sesh/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "seshd: %v\n", err)
		os.Exit(1)
	}

	socketPath := flag.String("socket", config.SocketPath(), "unix socket path (env: SESH_SOCKET)")
	flag.Parse()

	log := logging.NewServerLogger(cfg)
	srv := server.New(cfg, log)

	// Graceful shutdown on SIGINT / SIGTERM: terminate every session, then
	// let Run return once the listener closes.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %v, shutting down", sig)
		srv.Shutdown()
	}()

	if err := srv.Run(*socketPath); err != nil {
		log.Errorf("seshd: %v", err)
		fmt.Fprintf(os.Stderr, "seshd: %v\n", err)
		os.Exit(1)
	}
}

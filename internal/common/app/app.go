package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// CreateContextWithShutdown returns a context that is cancelled on SIGINT or SIGTERM.
// A second signal exits the process without waiting for shutdown to finish.
func CreateContextWithShutdown() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signals:
			log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		sig := <-signals
		log.Warnf("Received %s during shutdown, exiting immediately", sig)
		os.Exit(1)
	}()
	return ctx
}

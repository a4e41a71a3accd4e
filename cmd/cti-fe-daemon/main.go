// Command cti-fe-daemon is the out-of-process helper of spec.md §4.3: it
// holds the ptrace-attached relationship to MPIR-compliant launchers across
// the library's own forks. It is started on demand by the library and fed
// requests over its stdin, replying on its stdout.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	apexjson "github.com/apex/log/handlers/json"

	"github.com/common-tools-interface/cti-sub002/internal/cti/mpir"
)

func main() {
	log.SetHandler(apexjson.New(os.Stderr))

	if os.Getenv("CTI_DBG") != "" {
		log.SetLevel(log.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	srv := mpir.NewServer(os.Stdin, os.Stdout)

	log.Info("fe daemon starting")

	if err := srv.Serve(ctx); err != nil {
		log.WithError(err).Error("fe daemon exiting with error")
		os.Exit(1)
	}

	log.Info("fe daemon exiting cleanly")
}

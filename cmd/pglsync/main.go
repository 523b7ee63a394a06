package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/paulschiretz/pglsync/internal/cmd"
	"github.com/paulschiretz/pglsync/pkg/buildinfo"
	"github.com/paulschiretz/pglsync/pkg/flagparse"
	"github.com/paulschiretz/pglsync/pkg/plog"
)

// run encapsulates the main application logic and returns an error if
// something goes wrong, allowing main to handle exit codes.
func run(ctx context.Context) error {
	command, flagMap, err := flagparse.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	switch command {
	case flagparse.None:
		return nil
	case flagparse.Version:
		return cmd.RunVersion(buildinfo.Name, buildinfo.Version)
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Run:
		return cmd.RunSync(ctx, flagMap)
	default:
		return nil
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}

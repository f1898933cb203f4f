package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/3leaps/gosqueeze/internal/cmd"
	"github.com/3leaps/gosqueeze/internal/observability"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=...".
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.Execute(ctx)
	stop()

	observability.Sync()
	os.Exit(code)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"usimatch/internal/cli"
)

func main() {
	if err := run(); err != nil {
		fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cli.NewRootCommand().ExecuteContext(ctx)
}

// fatal prints an error to stderr and exits with status 1.
func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bugwatch/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx, os.Args[1:])
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "bugwatch:", err)
	}
	os.Exit(cli.ExitCode(err))
}

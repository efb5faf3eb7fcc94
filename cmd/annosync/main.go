package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/surrealdb/annosync/pkg/annosync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := annosync.Main(ctx, os.Args[1:]); err != nil {
		stop()
		log.Fatal(err)
	}
}

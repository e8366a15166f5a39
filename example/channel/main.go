package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/AegisProctor"
)

func main() {
	flow, err := proctor.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, batches, closeBatches := proctor.NewChannelSink("review-queue", 32)
	defer closeBatches()

	go reviewWorker("review", batches)

	if err := flow.Run(ctx, proctor.DeliverEvents(sink)); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runtime error: %v", err)
	}
}

// reviewWorker stands in for a human-review queue fed with integrity events.
func reviewWorker(name string, batches <-chan []proctor.Event) {
	for batch := range batches {
		for _, e := range batch {
			fmt.Printf("[%s] %s session=%s kind=%s detail=%q\n",
				name, e.At.Format(time.RFC3339), e.SessionID, e.Kind, e.Detail)
		}
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghalamif/AegisProctor"
)

func main() {
	flow, err := proctor.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flow.Candidate(os.Getenv("EXAM_TEST_ID"), os.Getenv("EXAM_CANDIDATE_ID"), os.Getenv("EXAM_TOKEN")).
		Exam("", proctor.EnforceFullscreen(), proctor.Watermark())

	if err := flow.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("proctor runtime exited: %v", err)
	}
}

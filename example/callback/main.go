package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ghalamif/AegisProctor/pkg/proctor"
)

// Records integrity events from an exam UI that does its own page tracking
// and only needs the durable journal.
func main() {
	callback := func(batch []proctor.Event) error {
		for _, e := range batch {
			fmt.Printf("%s seq=%d session=%s kind=%s\n",
				e.At.Format(time.RFC3339Nano),
				e.Seq,
				e.SessionID,
				e.Kind,
			)
		}
		return nil
	}

	pub, err := proctor.NewPublisher(&proctor.PublisherConfig{Dir: "../../data/journal-callback"}, callback)
	if err != nil {
		log.Fatalf("open publisher: %v", err)
	}

	for _, kind := range []string{"page_hidden", "page_visible", "window_blur", "window_focus"} {
		if err := pub.Publish(proctor.Event{Kind: kind, SessionID: "demo-session"}); err != nil {
			log.Printf("publish %s: %v", kind, err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.Close(ctx); err != nil {
		log.Fatalf("close publisher: %v", err)
	}
}

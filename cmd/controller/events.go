package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/avaropoint/netctl/internal/controller"
)

// consumeEvents is the single reader of peer status events. Each event
// is printed for the operator and logged.
func consumeEvents(ctx context.Context, m *controller.Manager, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.Events():
			fmt.Fprintf(out, "[%s] %s\n", ev.Time.Format(time.TimeOnly), ev)
			log.Printf("Peer event: %s", ev)
		}
	}
}

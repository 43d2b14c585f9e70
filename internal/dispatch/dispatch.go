// Package dispatch maps command names to handlers and turns every
// outcome, including handler panics, into a response envelope.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/avaropoint/netctl/internal/protocol"
)

// Handler executes one command. Returning an error produces an error
// response carrying the error text.
type Handler func(ctx context.Context, params protocol.Params) (protocol.Result, error)

// Observer is told about every dispatched command.
type Observer func(name, status string)

// Dispatcher routes commands by name. Registration normally happens at
// startup, but it is safe at any time.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	observe  Observer
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds name to h, replacing any previous handler.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Observe installs a callback invoked after every dispatch.
func (d *Dispatcher) Observe(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observe = o
}

// Names returns the registered command names, sorted.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for cmd and returns the response. It never
// panics and never returns a success response without running a handler.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd protocol.Command) (resp protocol.Response) {
	d.mu.RLock()
	h, ok := d.handlers[cmd.Type]
	observe := d.observe
	d.mu.RUnlock()

	defer func() {
		if observe != nil {
			observe(cmd.Type, resp.Status)
		}
	}()

	if !ok {
		return protocol.Failure(fmt.Sprintf("unknown command: %s", cmd.Type))
	}

	params := cmd.Data
	if params == nil {
		params = protocol.Params{}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Command %s panicked: %v\n%s", cmd.Type, r, debug.Stack())
			resp = protocol.Failure("internal error")
		}
	}()

	res, err := h(ctx, params)
	if err != nil {
		return protocol.Failure(err.Error())
	}
	return protocol.Success(res)
}

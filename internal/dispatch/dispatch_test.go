package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher() *Dispatcher {
	d := New()
	d.Register(protocol.CmdPing, func(context.Context, protocol.Params) (protocol.Result, error) {
		return protocol.Result{Message: "pong"}, nil
	})
	d.Register("echo", func(_ context.Context, p protocol.Params) (protocol.Result, error) {
		return protocol.Result{Data: p}, nil
	})
	d.Register("fail", func(context.Context, protocol.Params) (protocol.Result, error) {
		return protocol.Result{}, errors.New("disk on fire")
	})
	d.Register("boom", func(context.Context, protocol.Params) (protocol.Result, error) {
		panic("unexpected")
	})
	return d
}

func TestDispatchPing(t *testing.T) {
	resp := newTestDispatcher().Dispatch(context.Background(), protocol.NewCommand(protocol.CmdPing, nil))
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "pong", resp.Message)
	assert.Empty(t, resp.Data)
}

func TestDispatchUnknownCommand(t *testing.T) {
	resp := newTestDispatcher().Dispatch(context.Background(), protocol.NewCommand("format_disk", nil))
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "unknown command: format_disk", resp.Message)
}

func TestDispatchHandlerError(t *testing.T) {
	resp := newTestDispatcher().Dispatch(context.Background(), protocol.NewCommand("fail", nil))
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "disk on fire", resp.Message)
	assert.Empty(t, resp.Data)
}

func TestDispatchRecoversPanic(t *testing.T) {
	resp := newTestDispatcher().Dispatch(context.Background(), protocol.NewCommand("boom", nil))
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "internal error", resp.Message)
}

func TestDispatchNilParamsBecomeEmpty(t *testing.T) {
	resp := newTestDispatcher().Dispatch(context.Background(), protocol.Command{Type: "echo"})
	require.True(t, resp.OK())
	assert.JSONEq(t, `{}`, string(resp.Data))
}

func TestDispatchObserver(t *testing.T) {
	d := newTestDispatcher()
	var seen []string
	d.Observe(func(name, status string) { seen = append(seen, name+":"+status) })

	d.Dispatch(context.Background(), protocol.NewCommand(protocol.CmdPing, nil))
	d.Dispatch(context.Background(), protocol.NewCommand("nope", nil))
	d.Dispatch(context.Background(), protocol.NewCommand("boom", nil))

	assert.Equal(t, []string{"ping:success", "nope:error", "boom:error"}, seen)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"boom", "echo", "fail", "ping"}, newTestDispatcher().Names())
}

// Package protocol defines the envelopes, wire records and constants
// shared by agents, controllers and the directory server.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Command names understood by agents.
const (
	CmdSystemInfo        = "system_info"
	CmdHardwareMonitor   = "hardware_monitor"
	CmdSoftwareInventory = "software_inventory"
	CmdPowerManagement   = "power_management"
	CmdExecuteCommand    = "execute_command"
	CmdNetworkMonitor    = "network_monitor"
	CmdStartStream       = "start_rdp"
	CmdStopStream        = "stop_rdp"
	CmdPing              = "ping"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Round-trip budgets per command class.
const (
	DefaultTimeout = 10 * time.Second
	LongTimeout    = 30 * time.Second
	ProbeTimeout   = 2 * time.Second
)

// TimeoutFor returns how long a controller waits for the response to name.
func TimeoutFor(name string) time.Duration {
	switch name {
	case CmdSoftwareInventory, CmdStartStream, CmdStopStream:
		return LongTimeout
	default:
		return DefaultTimeout
	}
}

// Params carries the named parameters of a command.
type Params map[string]any

// String returns the string parameter key, or def when absent or not a string.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Int returns the integer parameter key. JSON numbers and numeric strings
// are accepted; anything else yields def.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Command is the request envelope sent from controller to agent.
type Command struct {
	Type string `json:"type"`
	Data Params `json:"data"`
	Hash string `json:"hash,omitempty"`
}

// NewCommand builds a command envelope. A nil params map is sent as {}.
func NewCommand(name string, params Params) Command {
	if params == nil {
		params = Params{}
	}
	return Command{Type: name, Data: params}
}

// Response is the reply envelope. Data is only present on success and
// Message is always present on error.
type Response struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Hash    string          `json:"hash,omitempty"`
}

// Result is what a command handler produces on success.
type Result struct {
	Data    any
	Message string
}

// Success converts a handler result into a success response.
func Success(res Result) Response {
	resp := Response{Status: StatusSuccess, Message: res.Message}
	if res.Data != nil {
		raw, err := json.Marshal(res.Data)
		if err != nil {
			return Failure(fmt.Sprintf("encode result: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

// Failure builds an error response.
func Failure(msg string) Response {
	if msg == "" {
		msg = "unknown error"
	}
	return Response{Status: StatusError, Message: msg}
}

// OK reports whether the response carries a success status.
func (r *Response) OK() bool {
	return r.Status == StatusSuccess
}

// Err returns nil for success responses and an ErrCommandFailed
// wrapping the remote message otherwise.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCommandFailed, r.Message)
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

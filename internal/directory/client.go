package directory

import (
	"context"
	"fmt"

	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/session"
	"github.com/avaropoint/netctl/internal/store"
)

// Client talks to a directory server over a session connection.
type Client struct {
	conn  *session.ClientConn
	token string
}

// Dial connects to the directory at addr.
func Dial(ctx context.Context, addr string, opts session.DialOptions) (*Client, error) {
	conn, err := session.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Login authenticates and keeps the token for later calls.
func (c *Client) Login(username, password string) (*LoginResult, error) {
	var res LoginResult
	if err := c.call(CmdLogin, protocol.Params{"username": username, "password": password}, &res); err != nil {
		return nil, err
	}
	c.token = res.Token
	return &res, nil
}

// Shared lists the servers visible to the logged-in user.
func (c *Client) Shared() ([]*store.ServerRecord, error) {
	var servers []*store.ServerRecord
	if err := c.call(CmdListShared, nil, &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// RegisterServer adds address under the logged-in user.
func (c *Client) RegisterServer(name, address string) (*store.ServerRecord, error) {
	var srv store.ServerRecord
	if err := c.call(CmdRegisterServer, protocol.Params{"name": name, "address": address}, &srv); err != nil {
		return nil, err
	}
	return &srv, nil
}

// SetSharing replaces the users a server is shared with.
func (c *Client) SetSharing(id string, users []string) error {
	return c.call(CmdSetSharing, protocol.Params{"id": id, "users": users}, nil)
}

func (c *Client) call(name string, params protocol.Params, out any) error {
	if params == nil {
		params = protocol.Params{}
	}
	if c.token != "" {
		params["token"] = c.token
	}
	resp, err := c.conn.Roundtrip(protocol.NewCommand(name, params), protocol.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

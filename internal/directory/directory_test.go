package directory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/netctl/internal/clock"
	"github.com/avaropoint/netctl/internal/dispatch"
	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/security"
	"github.com/avaropoint/netctl/internal/session"
	"github.com/avaropoint/netctl/internal/store"
)

type fixture struct {
	dir   *Directory
	d     *dispatch.Dispatcher
	clock *clock.MockClock
	admin string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	dir := New(st, security.NewSigner([]byte("test-seed")), clk, time.Hour)
	d := dispatch.New()
	dir.Register(d)

	password, err := dir.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Len(t, password, adminPasswordLength)

	f := &fixture{dir: dir, d: d, clock: clk}
	f.admin = f.login(t, AdminUser, password)
	return f
}

func (f *fixture) call(name string, params protocol.Params) protocol.Response {
	return f.d.Dispatch(context.Background(), protocol.NewCommand(name, params))
}

func (f *fixture) login(t *testing.T, user, password string) string {
	t.Helper()
	resp := f.call(CmdLogin, protocol.Params{"username": user, "password": password})
	require.True(t, resp.OK(), resp.Message)
	var res LoginResult
	require.NoError(t, resp.Decode(&res))
	require.NotEmpty(t, res.Token)
	return res.Token
}

func (f *fixture) createUser(t *testing.T, user, password string) string {
	t.Helper()
	resp := f.call(CmdCreateUser, protocol.Params{"token": f.admin, "username": user, "password": password})
	require.True(t, resp.OK(), resp.Message)
	return f.login(t, user, password)
}

func (f *fixture) register(t *testing.T, token, name, addr string) *store.ServerRecord {
	t.Helper()
	resp := f.call(CmdRegisterServer, protocol.Params{"token": token, "name": name, "address": addr})
	require.True(t, resp.OK(), resp.Message)
	var srv store.ServerRecord
	require.NoError(t, resp.Decode(&srv))
	return &srv
}

func (f *fixture) shared(t *testing.T, token string) []*store.ServerRecord {
	t.Helper()
	resp := f.call(CmdListShared, protocol.Params{"token": token})
	require.True(t, resp.OK(), resp.Message)
	var servers []*store.ServerRecord
	require.NoError(t, resp.Decode(&servers))
	return servers
}

func TestBootstrapOnlyOnce(t *testing.T) {
	f := newFixture(t)
	password, err := f.dir.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Empty(t, password)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)

	resp := f.call(CmdLogin, protocol.Params{"username": AdminUser, "password": "wrong"})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, ErrBadCredentials.Error(), resp.Message)

	resp = f.call(CmdLogin, protocol.Params{"username": "nobody", "password": "whatever"})
	assert.Equal(t, ErrBadCredentials.Error(), resp.Message)
}

func TestTokenExpires(t *testing.T) {
	f := newFixture(t)
	listed := f.call(CmdListUsers, protocol.Params{"token": f.admin})
	assert.True(t, listed.OK())

	f.clock.Advance(time.Hour)
	resp := f.call(CmdListUsers, protocol.Params{"token": f.admin})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "unauthorized")
}

func TestCreateUser(t *testing.T) {
	f := newFixture(t)

	resp := f.call(CmdCreateUser, protocol.Params{"token": f.admin, "username": "alice", "password": "12345"})
	assert.Equal(t, ErrShortPassword.Error(), resp.Message)

	alice := f.createUser(t, "alice", "123456")

	resp = f.call(CmdCreateUser, protocol.Params{"token": f.admin, "username": "alice", "password": "123456"})
	assert.Equal(t, "username already exists", resp.Message)

	// Only admins create users or list them.
	resp = f.call(CmdCreateUser, protocol.Params{"token": alice, "username": "bob", "password": "123456"})
	assert.Equal(t, ErrAdminRequired.Error(), resp.Message)
	resp = f.call(CmdListUsers, protocol.Params{"token": alice})
	assert.Equal(t, ErrAdminRequired.Error(), resp.Message)

	resp = f.call(CmdListUsers, protocol.Params{"token": f.admin})
	require.True(t, resp.OK())
	var users []store.UserRecord
	require.NoError(t, resp.Decode(&users))
	require.Len(t, users, 2)
	assert.Equal(t, AdminUser, users[0].Username)
	assert.True(t, users[0].IsAdmin)
	assert.Equal(t, "alice", users[1].Username)
	assert.False(t, users[1].IsAdmin)
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	resp := f.call(CmdListShared, nil)
	assert.Equal(t, ErrUnauthorized.Error(), resp.Message)

	resp = f.call(CmdListShared, protocol.Params{"token": "v1.admin.1.00"})
	assert.Contains(t, resp.Message, "unauthorized")
}

func TestRegisterAndShare(t *testing.T) {
	f := newFixture(t)
	alice := f.createUser(t, "alice", "alicepw")
	bob := f.createUser(t, "bob", "bobpass")

	srv := f.register(t, alice, "build box", "10.0.0.5:5000")
	assert.Equal(t, "alice", srv.Owner)
	assert.NotEmpty(t, srv.ID)

	resp := f.call(CmdRegisterServer, protocol.Params{"token": alice, "address": "10.0.0.5:5000"})
	assert.Contains(t, resp.Message, "already registered")

	assert.Len(t, f.shared(t, alice), 1)
	assert.Empty(t, f.shared(t, bob))

	resp = f.call(CmdSetSharing, protocol.Params{"token": alice, "id": srv.ID, "users": []string{"ghost"}})
	assert.Contains(t, resp.Message, "unknown user")

	// Bob cannot share a server he does not own.
	resp = f.call(CmdSetSharing, protocol.Params{"token": bob, "id": srv.ID, "users": []string{"bob"}})
	assert.Contains(t, resp.Message, "not found")

	resp = f.call(CmdSetSharing, protocol.Params{"token": alice, "id": srv.ID, "users": []string{"bob"}})
	require.True(t, resp.OK(), resp.Message)

	visible := f.shared(t, bob)
	require.Len(t, visible, 1)
	assert.Equal(t, "10.0.0.5:5000", visible[0].Address)
	assert.Equal(t, []string{"bob"}, visible[0].SharedWith)

	resp = f.call(CmdUnregisterServer, protocol.Params{"token": bob, "id": srv.ID})
	assert.Contains(t, resp.Message, "not found")
	resp = f.call(CmdUnregisterServer, protocol.Params{"token": alice, "id": srv.ID})
	require.True(t, resp.OK(), resp.Message)
	assert.Empty(t, f.shared(t, bob))
}

func TestRegisterDefaultsNameToAddress(t *testing.T) {
	f := newFixture(t)
	srv := f.register(t, f.admin, "", "host:5000")
	assert.Equal(t, "host:5000", srv.Name)

	resp := f.call(CmdRegisterServer, protocol.Params{"token": f.admin, "address": " "})
	assert.Equal(t, "address is required", resp.Message)
}

func TestClientOverSession(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "carol", "carolpw")

	srv := session.NewServer(f.d, session.ServerOptions{IdlePoll: 50 * time.Millisecond})
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-done
	})

	c, err := Dial(context.Background(), addr.String(), session.DialOptions{})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Shared()
	assert.ErrorIs(t, err, protocol.ErrCommandFailed)

	res, err := c.Login("carol", "carolpw")
	require.NoError(t, err)
	assert.False(t, res.IsAdmin)

	rec, err := c.RegisterServer("lab", "192.168.1.20:5000")
	require.NoError(t, err)

	servers, err := c.Shared()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, rec.ID, servers[0].ID)

	require.NoError(t, c.SetSharing(rec.ID, nil))
}

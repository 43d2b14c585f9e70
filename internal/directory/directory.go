// Package directory implements the directory server's commands: user
// accounts, the registry of agents each user owns, and sharing those
// agents with other users. Requests carry a token issued by login.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/avaropoint/netctl/internal/clock"
	"github.com/avaropoint/netctl/internal/dispatch"
	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/security"
	"github.com/avaropoint/netctl/internal/store"
)

// Command names understood by the directory server.
const (
	CmdLogin            = "login"
	CmdCreateUser       = "create_user"
	CmdRegisterServer   = "register_server"
	CmdUnregisterServer = "unregister_server"
	CmdSetSharing       = "set_sharing"
	CmdListShared       = "list_shared"
	CmdListUsers        = "list_users"
)

const (
	// AdminUser is created on first start when no users exist.
	AdminUser = "admin"
	// MinPasswordLength applies to every account created through create_user.
	MinPasswordLength = 6
	// DefaultTokenTTL is how long a login token stays valid.
	DefaultTokenTTL = 12 * time.Hour

	adminPasswordLength = 16
)

// Errors returned to clients.
var (
	ErrBadCredentials = errors.New("invalid username or password")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrAdminRequired  = errors.New("admin privileges required")
	ErrShortPassword  = fmt.Errorf("password must be at least %d characters long", MinPasswordLength)
)

// Directory holds the dependencies of the directory handlers.
type Directory struct {
	store  store.DirectoryStore
	signer *security.Signer
	clock  clock.Clock
	ttl    time.Duration
}

// New creates a directory backed by st. Tokens are signed by signer and
// expire after ttl (DefaultTokenTTL when zero).
func New(st store.DirectoryStore, signer *security.Signer, clk clock.Clock, ttl time.Duration) *Directory {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Directory{store: st, signer: signer, clock: clk, ttl: ttl}
}

// Register binds every directory command to d.
func (dir *Directory) Register(d *dispatch.Dispatcher) {
	d.Register(CmdLogin, dir.handleLogin)
	d.Register(CmdCreateUser, dir.handleCreateUser)
	d.Register(CmdRegisterServer, dir.handleRegisterServer)
	d.Register(CmdUnregisterServer, dir.handleUnregisterServer)
	d.Register(CmdSetSharing, dir.handleSetSharing)
	d.Register(CmdListShared, dir.handleListShared)
	d.Register(CmdListUsers, dir.handleListUsers)
}

// Bootstrap creates the admin account when the directory has no users.
// The generated password is returned so the caller can log it once; it
// is empty when nothing was created.
func (dir *Directory) Bootstrap(ctx context.Context) (string, error) {
	n, err := dir.store.CountUsers(ctx)
	if err != nil {
		return "", fmt.Errorf("count users: %w", err)
	}
	if n > 0 {
		return "", nil
	}

	password, err := security.GeneratePassword(adminPasswordLength)
	if err != nil {
		return "", err
	}
	if err := dir.createUser(ctx, AdminUser, password, true); err != nil {
		return "", err
	}
	return password, nil
}

// LoginResult is the payload of login.
type LoginResult struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (dir *Directory) handleLogin(ctx context.Context, p protocol.Params) (protocol.Result, error) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(p, &req); err != nil {
		return protocol.Result{}, err
	}

	u, err := dir.store.GetUser(ctx, req.Username)
	if err != nil {
		return protocol.Result{}, err
	}
	if u == nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		log.Printf("Login failed for %q", req.Username)
		return protocol.Result{}, ErrBadCredentials
	}

	expires := dir.clock.Now().Add(dir.ttl)
	log.Printf("User logged in: %s", u.Username)
	return protocol.Result{Data: LoginResult{
		Token:     dir.signer.SignToken(u.Username, expires),
		Username:  u.Username,
		IsAdmin:   u.IsAdmin,
		ExpiresAt: expires.UTC(),
	}}, nil
}

func (dir *Directory) handleCreateUser(ctx context.Context, p protocol.Params) (protocol.Result, error) {
	if _, err := dir.admin(ctx, p); err != nil {
		return protocol.Result{}, err
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		IsAdmin  bool   `json:"is_admin"`
	}
	if err := decode(p, &req); err != nil {
		return protocol.Result{}, err
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		return protocol.Result{}, errors.New("username and password are required")
	}
	if len(req.Password) < MinPasswordLength {
		return protocol.Result{}, ErrShortPassword
	}

	if err := dir.createUser(ctx, req.Username, req.Password, req.IsAdmin); err != nil {
		if errors.Is(err, store.ErrExists) {
			return protocol.Result{}, errors.New("username already exists")
		}
		return protocol.Result{}, err
	}
	log.Printf("User created: %s (admin=%t)", req.Username, req.IsAdmin)
	return protocol.Result{Message: fmt.Sprintf("User '%s' created successfully", req.Username)}, nil
}

func (dir *Directory) handleRegisterServer(ctx context.Context, p protocol.Params) (protocol.Result, error) {
	user, err := dir.authenticate(ctx, p)
	if err != nil {
		return protocol.Result{}, err
	}

	var req struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	}
	if err := decode(p, &req); err != nil {
		return protocol.Result{}, err
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		return protocol.Result{}, errors.New("address is required")
	}
	if req.Name == "" {
		req.Name = req.Address
	}

	srv := &store.ServerRecord{
		ID:         uuid.NewString(),
		Owner:      user.Username,
		Name:       req.Name,
		Address:    req.Address,
		SharedWith: []string{},
		CreatedAt:  dir.clock.Now().UTC(),
	}
	if err := dir.store.CreateServer(ctx, srv); err != nil {
		if errors.Is(err, store.ErrExists) {
			return protocol.Result{}, fmt.Errorf("server %s is already registered", req.Address)
		}
		return protocol.Result{}, err
	}
	log.Printf("Server registered: %s (%s) by %s", srv.Name, srv.Address, srv.Owner)
	return protocol.Result{Data: srv}, nil
}

func (dir *Directory) handleUnregisterServer(ctx context.Context, p protocol.Params) (protocol.Result, error) {
	user, err := dir.authenticate(ctx, p)
	if err != nil {
		return protocol.Result{}, err
	}
	id := p.String("id", "")
	if id == "" {
		return protocol.Result{}, errors.New("id is required")
	}
	if err := dir.store.DeleteServer(ctx, user.Username, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.Result{}, fmt.Errorf("server %s not found", id)
		}
		return protocol.Result{}, err
	}
	log.Printf("Server unregistered: %s by %s", id, user.Username)
	return protocol.Result{Message: "Server unregistered"}, nil
}

func (dir *Directory) handleSetSharing(ctx context.Context, p protocol.Params) (protocol.Result, error) {
	user, err := dir.authenticate(ctx, p)
	if err != nil {
		return protocol.Result{}, err
	}

	var req struct {
		ID    string   `json:"id"`
		Users []string `json:"users"`
	}
	if err := decode(p, &req); err != nil {
		return protocol.Result{}, err
	}
	if req.ID == "" {
		return protocol.Result{}, errors.New("id is required")
	}

	for _, name := range req.Users {
		u, err := dir.store.GetUser(ctx, name)
		if err != nil {
			return protocol.Result{}, err
		}
		if u == nil {
			return protocol.Result{}, fmt.Errorf("unknown user %q", name)
		}
	}

	if err := dir.store.SetSharing(ctx, user.Username, req.ID, req.Users); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.Result{}, fmt.Errorf("server %s not found", req.ID)
		}
		return protocol.Result{}, err
	}
	log.Printf("Sharing updated: %s -> %v", req.ID, req.Users)
	return protocol.Result{Message: "Sharing updated"}, nil
}

// handleListShared returns the servers the caller owns or that are
// shared with them.
func (dir *Directory) handleListShared(ctx context.Context, p protocol.Params) (protocol.Result, error) {
	user, err := dir.authenticate(ctx, p)
	if err != nil {
		return protocol.Result{}, err
	}
	servers, err := dir.store.ListVisibleServers(ctx, user.Username)
	if err != nil {
		return protocol.Result{}, err
	}
	if servers == nil {
		servers = []*store.ServerRecord{}
	}
	return protocol.Result{Data: servers}, nil
}

func (dir *Directory) handleListUsers(ctx context.Context, p protocol.Params) (protocol.Result, error) {
	if _, err := dir.admin(ctx, p); err != nil {
		return protocol.Result{}, err
	}
	users, err := dir.store.ListUsers(ctx)
	if err != nil {
		return protocol.Result{}, err
	}
	if users == nil {
		users = []*store.UserRecord{}
	}
	return protocol.Result{Data: users}, nil
}

// authenticate resolves the token parameter to an existing user.
func (dir *Directory) authenticate(ctx context.Context, p protocol.Params) (*store.UserRecord, error) {
	token := p.String("token", "")
	if token == "" {
		return nil, ErrUnauthorized
	}
	name, err := dir.signer.VerifyToken(token, dir.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	u, err := dir.store.GetUser(ctx, name)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUnauthorized
	}
	return u, nil
}

func (dir *Directory) admin(ctx context.Context, p protocol.Params) (*store.UserRecord, error) {
	u, err := dir.authenticate(ctx, p)
	if err != nil {
		return nil, err
	}
	if !u.IsAdmin {
		return nil, ErrAdminRequired
	}
	return u, nil
}

func (dir *Directory) createUser(ctx context.Context, username, password string, isAdmin bool) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return dir.store.CreateUser(ctx, &store.UserRecord{
		Username:     username,
		PasswordHash: string(hash),
		IsAdmin:      isAdmin,
		CreatedAt:    dir.clock.Now().UTC(),
	})
}

// decode maps command parameters onto a request struct.
func decode(p protocol.Params, v any) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

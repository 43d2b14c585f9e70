// Package store defines the persistence interfaces for controllers and
// the directory server. The SQLite implementation satisfies all of them.
package store

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	ErrExists   = errors.New("already exists")
	ErrNotFound = errors.New("not found")
)

// PeerStore remembers the agents a controller manages and the
// certificate fingerprint each one presented.
type PeerStore interface {
	UpsertPeer(ctx context.Context, p *PeerRecord) error
	GetPeer(ctx context.Context, address string) (*PeerRecord, error)
	UpdatePeerSeen(ctx context.Context, address, fingerprint string, t time.Time) error
	ListPeers(ctx context.Context) ([]*PeerRecord, error)
	DeletePeer(ctx context.Context, address string) error
}

// DirectoryStore holds users, their registered servers and sharing.
type DirectoryStore interface {
	CreateUser(ctx context.Context, u *UserRecord) error
	GetUser(ctx context.Context, username string) (*UserRecord, error)
	ListUsers(ctx context.Context) ([]*UserRecord, error)
	CountUsers(ctx context.Context) (int, error)

	CreateServer(ctx context.Context, s *ServerRecord) error
	DeleteServer(ctx context.Context, owner, id string) error
	SetSharing(ctx context.Context, owner, id string, usernames []string) error
	// ListVisibleServers returns servers owned by or shared with username.
	ListVisibleServers(ctx context.Context, username string) ([]*ServerRecord, error)
}

// Store is everything the SQLite backend provides.
// Implementations must be safe for concurrent use.
type Store interface {
	PeerStore
	DirectoryStore

	// Close releases database resources.
	Close() error
}

// PeerRecord is a controller's persistent record for one agent.
type PeerRecord struct {
	Address       string    `json:"address"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	AddedAt       time.Time `json:"added_at"`
	LastConnected time.Time `json:"last_connected,omitempty"`
}

// UserRecord is a directory account.
type UserRecord struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// ServerRecord is an agent registered in the directory by its owner.
type ServerRecord struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	SharedWith []string  `json:"shared_with"`
	CreatedAt  time.Time `json:"created_at"`
}

package remotestore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotConnected   = errors.New("not connected")
	ErrFeedClosed     = errors.New("feed closed")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	CommandStatusPending    = "pending"
	CommandStatusProcessing = "processing"
	CommandStatusCompleted  = "completed"
	CommandStatusFailed     = "failed"
)

// Credentials is the opaque identity handed to every session-establishing
// call. Tokens are refreshed by an external session manager between ticks,
// so nothing in this package caches a Credentials value past one session.
type Credentials struct {
	UserID       string
	BearerToken  string
	RefreshToken string
	IssuedAt     time.Time
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return ErrInvalidInput
	}
	return nil
}

type WorkloadItem struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

type PresenceRecord struct {
	UserID          string            `json:"userId"`
	DeviceName      string            `json:"deviceName"`
	SessionID       string            `json:"sessionId"`
	IsOnline        bool              `json:"isOnline"`
	LastHeartbeatAt time.Time         `json:"lastHeartbeatAt"`
	Workload        []WorkloadItem    `json:"workload"`
	SystemInfo      map[string]string `json:"systemInfo"`
}

type WorkspaceRecord struct {
	OwnerUserID  string            `json:"ownerUserId"`
	LocalID      string            `json:"localId"`
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	ExternalRefs map[string]string `json:"externalRefs,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	SyncedAt     time.Time         `json:"syncedAt"`
}

// CommandRecord is inserted by the remote side only; this subsystem
// transitions status and never creates command rows.
type CommandRecord struct {
	ID              string         `json:"id"`
	TargetSessionID string         `json:"targetSessionId"`
	CommandType     string         `json:"commandType"`
	CommandData     map[string]any `json:"commandData,omitempty"`
	Status          string         `json:"status"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// CommandFeed is a live change feed of command inserts for one session.
// Events delivers records until the feed fails or is closed; Err reports
// the terminal error, if any, once Events is drained.
type CommandFeed interface {
	Events() <-chan CommandRecord
	Err() error
	Close() error
}

type Client interface {
	Connect(ctx context.Context, creds Credentials) (Session, error)
	Close() error
}

type Session interface {
	UpsertPresence(ctx context.Context, rec PresenceRecord) error
	// LatestPresence returns the most recently heartbeated presence row
	// for the user, or ErrNotFound.
	LatestPresence(ctx context.Context, userID string) (PresenceRecord, error)
	UpsertWorkspace(ctx context.Context, rec WorkspaceRecord) error
	// PendingCommands returns pending commands for the session in
	// creation-time ascending order.
	PendingCommands(ctx context.Context, sessionID string) ([]CommandRecord, error)
	// ClaimCommand transitions pending -> processing and reports whether
	// this caller won the claim. A false result means another delivery
	// path already owns the command.
	ClaimCommand(ctx context.Context, commandID string) (bool, error)
	ResolveCommand(ctx context.Context, commandID, status, errorMessage string) error
	SubscribeCommands(ctx context.Context, sessionID string) (CommandFeed, error)
	Close() error
}

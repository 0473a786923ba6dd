package desksync

import (
	"context"
	"time"

	"github.com/agentworkforce/desksync/internal/remotestore"
)

type Logger interface {
	Printf(format string, args ...any)
}

// CredentialProvider supplies the current identity, refreshed externally.
// A false second return means not logged in, which every entry point
// treats as a silent no-op.
type CredentialProvider interface {
	Current() (remotestore.Credentials, bool)
}

// LocalWorkspace is one locally-owned workspace record as the inventory
// source exposes it.
type LocalWorkspace struct {
	LocalID      string
	Name         string
	Path         string
	ExternalRefs map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// InventorySource is the local inventory collaborator. List returns
// newest-first; limit <= 0 means unbounded.
type InventorySource interface {
	ListInventory(ctx context.Context, limit int) ([]LocalWorkspace, error)
	GetWorkspace(ctx context.Context, localID string) (LocalWorkspace, error)
	// CreateWorkspace is idempotent on LocalID: creating an existing
	// workspace returns the stored record unchanged.
	CreateWorkspace(ctx context.Context, workspace LocalWorkspace) (LocalWorkspace, error)
}

type ConversationRequest struct {
	WorkspaceID    string
	ConversationID string
	Prompt         string
	Model          string
	Attachments    []string
}

// ActionExecutor performs the locally observable side effect of a
// command. The surrounding application owns the real implementation.
type ActionExecutor interface {
	BringToForeground(ctx context.Context) error
	BeginConversation(ctx context.Context, req ConversationRequest) error
}

// CommandHandler executes one command type. A returned error marks the
// command failed; it never stops the channel.
type CommandHandler interface {
	Handle(ctx context.Context, cmd remotestore.CommandRecord) error
}

type CommandHandlerFunc func(ctx context.Context, cmd remotestore.CommandRecord) error

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd remotestore.CommandRecord) error {
	return f(ctx, cmd)
}

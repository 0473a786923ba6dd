package remotestore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const memoryFeedBuffer = 64

// MemoryClient is the memory:// store backend. It implements the full
// Session contract in-process and doubles as the remote side in tests:
// InsertCommand plays the control plane's role of creating command rows.
type MemoryClient struct {
	mu         sync.Mutex
	closed     bool
	presence   map[string]PresenceRecord
	workspaces map[string]WorkspaceRecord
	commands   map[string]CommandRecord
	order      []string
	feeds      []*memoryFeed
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		presence:   map[string]PresenceRecord{},
		workspaces: map[string]WorkspaceRecord{},
		commands:   map[string]CommandRecord{},
	}
}

func (c *MemoryClient) Connect(ctx context.Context, creds Credentials) (Session, error) {
	if c == nil {
		return nil, ErrNotConnected
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrNotConnected
	}
	return &memorySession{client: c}, nil
}

func (c *MemoryClient) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	feeds := c.feeds
	c.feeds = nil
	c.closed = true
	c.mu.Unlock()
	for _, feed := range feeds {
		feed.fail(ErrFeedClosed)
	}
	return nil
}

// InsertCommand stores a command row as the remote side would and fans it
// out to any live subscription matching its target session.
func (c *MemoryClient) InsertCommand(rec CommandRecord) error {
	if c == nil || strings.TrimSpace(rec.ID) == "" {
		return ErrInvalidInput
	}
	if rec.Status == "" {
		rec.Status = CommandStatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	c.mu.Lock()
	if _, exists := c.commands[rec.ID]; !exists {
		c.order = append(c.order, rec.ID)
	}
	c.commands[rec.ID] = rec
	feeds := append([]*memoryFeed(nil), c.feeds...)
	c.mu.Unlock()
	for _, feed := range feeds {
		feed.deliver(rec)
	}
	return nil
}

// FailSubscriptions terminates every live feed with err, simulating a
// dropped push channel.
func (c *MemoryClient) FailSubscriptions(err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	feeds := c.feeds
	c.feeds = nil
	c.mu.Unlock()
	for _, feed := range feeds {
		feed.fail(err)
	}
}

func (c *MemoryClient) PresenceFor(userID, deviceName string) (PresenceRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.presence[presenceKey(userID, deviceName)]
	return rec, ok
}

func (c *MemoryClient) PresenceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.presence)
}

func (c *MemoryClient) WorkspaceFor(ownerUserID, localID string) (WorkspaceRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.workspaces[workspaceKey(ownerUserID, localID)]
	return rec, ok
}

func (c *MemoryClient) WorkspaceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workspaces)
}

func (c *MemoryClient) CommandByID(id string) (CommandRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.commands[id]
	return rec, ok
}

type memorySession struct {
	client *MemoryClient
}

func (s *memorySession) UpsertPresence(ctx context.Context, rec PresenceRecord) error {
	if s == nil || s.client == nil {
		return ErrNotConnected
	}
	if strings.TrimSpace(rec.UserID) == "" || strings.TrimSpace(rec.DeviceName) == "" {
		return ErrInvalidInput
	}
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	s.client.presence[presenceKey(rec.UserID, rec.DeviceName)] = rec
	return nil
}

func (s *memorySession) LatestPresence(ctx context.Context, userID string) (PresenceRecord, error) {
	if s == nil || s.client == nil {
		return PresenceRecord{}, ErrNotConnected
	}
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	var latest PresenceRecord
	found := false
	for _, rec := range s.client.presence {
		if rec.UserID != userID {
			continue
		}
		if !found || rec.LastHeartbeatAt.After(latest.LastHeartbeatAt) {
			latest = rec
			found = true
		}
	}
	if !found {
		return PresenceRecord{}, ErrNotFound
	}
	return latest, nil
}

func (s *memorySession) UpsertWorkspace(ctx context.Context, rec WorkspaceRecord) error {
	if s == nil || s.client == nil {
		return ErrNotConnected
	}
	if strings.TrimSpace(rec.OwnerUserID) == "" || strings.TrimSpace(rec.LocalID) == "" {
		return ErrInvalidInput
	}
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	s.client.workspaces[workspaceKey(rec.OwnerUserID, rec.LocalID)] = rec
	return nil
}

func (s *memorySession) PendingCommands(ctx context.Context, sessionID string) ([]CommandRecord, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConnected
	}
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	pending := make([]CommandRecord, 0)
	for _, id := range s.client.order {
		rec := s.client.commands[id]
		if rec.TargetSessionID == sessionID && rec.Status == CommandStatusPending {
			pending = append(pending, rec)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func (s *memorySession) ClaimCommand(ctx context.Context, commandID string) (bool, error) {
	if s == nil || s.client == nil {
		return false, ErrNotConnected
	}
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	rec, ok := s.client.commands[commandID]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != CommandStatusPending {
		return false, nil
	}
	rec.Status = CommandStatusProcessing
	s.client.commands[commandID] = rec
	return true, nil
}

func (s *memorySession) ResolveCommand(ctx context.Context, commandID, status, errorMessage string) error {
	if s == nil || s.client == nil {
		return ErrNotConnected
	}
	if status != CommandStatusCompleted && status != CommandStatusFailed {
		return fmt.Errorf("%w: resolve status %q", ErrInvalidInput, status)
	}
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	rec, ok := s.client.commands[commandID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.ErrorMessage = errorMessage
	s.client.commands[commandID] = rec
	return nil
}

func (s *memorySession) SubscribeCommands(ctx context.Context, sessionID string) (CommandFeed, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConnected
	}
	feed := &memoryFeed{
		sessionID: sessionID,
		events:    make(chan CommandRecord, memoryFeedBuffer),
	}
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if s.client.closed {
		return nil, ErrNotConnected
	}
	s.client.feeds = append(s.client.feeds, feed)
	return feed, nil
}

func (s *memorySession) Close() error {
	return nil
}

type memoryFeed struct {
	sessionID string
	events    chan CommandRecord

	mu     sync.Mutex
	err    error
	closed bool
}

func (f *memoryFeed) Events() <-chan CommandRecord {
	return f.events
}

func (f *memoryFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *memoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *memoryFeed) deliver(rec CommandRecord) {
	if rec.TargetSessionID != f.sessionID {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- rec:
	default:
		// A stalled consumer drops the push delivery; the command stays
		// pending until something re-lists it.
	}
}

func (f *memoryFeed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.err = err
	f.closed = true
	close(f.events)
}

func presenceKey(userID, deviceName string) string {
	return userID + "\x00" + deviceName
}

func workspaceKey(ownerUserID, localID string) string {
	return ownerUserID + "\x00" + localID
}

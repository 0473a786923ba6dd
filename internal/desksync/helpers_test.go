package desksync

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/desksync/internal/remotestore"
)

type fakeCredentials struct {
	creds remotestore.Credentials
	ok    bool
}

func (f *fakeCredentials) Current() (remotestore.Credentials, bool) {
	if !f.ok {
		return remotestore.Credentials{}, false
	}
	return f.creds, true
}

func loggedInAs(userID string) *fakeCredentials {
	return &fakeCredentials{
		creds: remotestore.Credentials{UserID: userID, BearerToken: "token"},
		ok:    true,
	}
}

type fakeInventory struct {
	mu      sync.Mutex
	items   map[string]LocalWorkspace
	created []string
	listErr error
}

func newFakeInventory(items ...LocalWorkspace) *fakeInventory {
	inv := &fakeInventory{items: map[string]LocalWorkspace{}}
	for _, item := range items {
		inv.items[item.LocalID] = item
	}
	return inv
}

func (f *fakeInventory) ListInventory(ctx context.Context, limit int) ([]LocalWorkspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	items := make([]LocalWorkspace, 0, len(f.items))
	for _, item := range f.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeInventory) GetWorkspace(ctx context.Context, localID string) (LocalWorkspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[localID]
	if !ok {
		return LocalWorkspace{}, remotestore.ErrNotFound
	}
	return item, nil
}

func (f *fakeInventory) CreateWorkspace(ctx context.Context, workspace LocalWorkspace) (LocalWorkspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.items[workspace.LocalID]; ok {
		return existing, nil
	}
	f.items[workspace.LocalID] = workspace
	f.created = append(f.created, workspace.LocalID)
	return workspace, nil
}

func (f *fakeInventory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeExecutor struct {
	mu              sync.Mutex
	foregroundCalls int
	conversations   []ConversationRequest
	beginErr        error
}

func (f *fakeExecutor) BringToForeground(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foregroundCalls++
	return nil
}

func (f *fakeExecutor) BeginConversation(ctx context.Context, req ConversationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return f.beginErr
	}
	f.conversations = append(f.conversations, req)
	return nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.foregroundCalls + len(f.conversations)
}

// flakyClient injects workspace upsert failures, either for one local ID
// or for every record, and delegates everything else.
type flakyClient struct {
	inner       remotestore.Client
	failLocalID string
	failAll     bool
}

func (c *flakyClient) Connect(ctx context.Context, creds remotestore.Credentials) (remotestore.Session, error) {
	session, err := c.inner.Connect(ctx, creds)
	if err != nil {
		return nil, err
	}
	return &flakySession{Session: session, failLocalID: c.failLocalID, failAll: c.failAll}, nil
}

func (c *flakyClient) Close() error {
	return c.inner.Close()
}

type flakySession struct {
	remotestore.Session
	failLocalID string
	failAll     bool
}

func (s *flakySession) UpsertWorkspace(ctx context.Context, rec remotestore.WorkspaceRecord) error {
	if s.failAll || rec.LocalID == s.failLocalID {
		return remotestore.ErrInvalidInput
	}
	return s.Session.UpsertWorkspace(ctx, rec)
}

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Printf(format string, args ...any) {
	l.t.Logf(format, args...)
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", message)
}

func newTestService(t *testing.T, client remotestore.Client, inventory *fakeInventory, executor *fakeExecutor) *Service {
	t.Helper()
	service, err := NewService(Options{
		Store:       client,
		Credentials: loggedInAs("u1"),
		Inventory:   inventory,
		Executor:    executor,
		Config: Config{
			DeviceName:        "MacBook",
			HeartbeatInterval: 25 * time.Millisecond,
			PollInterval:      20 * time.Millisecond,
			ResyncEvery:       10,
			WorkloadLimit:     50,
		},
		Logger: &testLogger{t: t},
	})
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	return service
}

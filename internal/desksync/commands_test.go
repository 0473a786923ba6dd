package desksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/desksync/internal/remotestore"
)

func pendingStartChat(id, sessionID, prompt string) remotestore.CommandRecord {
	return remotestore.CommandRecord{
		ID:              id,
		TargetSessionID: sessionID,
		CommandType:     CommandTypeStartChat,
		CommandData:     map[string]any{"prompt": prompt},
		Status:          remotestore.CommandStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestProcessCommandCompletesStartChat(t *testing.T) {
	client := remotestore.NewMemoryClient()
	inventory := newFakeInventory()
	executor := &fakeExecutor{}
	service := newTestService(t, client, inventory, executor)

	cmd := pendingStartChat("cmd-1", service.SessionID(), "Refactor the parser")
	if err := client.InsertCommand(cmd); err != nil {
		t.Fatalf("insert command: %v", err)
	}

	service.processCommand(context.Background(), cmd)

	stored, ok := client.CommandByID("cmd-1")
	if !ok {
		t.Fatal("command disappeared")
	}
	if stored.Status != remotestore.CommandStatusCompleted {
		t.Fatalf("command status = %q, want completed", stored.Status)
	}
	if inventory.createdCount() != 1 {
		t.Fatalf("workspaces created = %d, want 1", inventory.createdCount())
	}
	if executor.foregroundCalls != 1 || len(executor.conversations) != 1 {
		t.Fatalf("executor calls = %d foreground, %d conversations; want 1 and 1",
			executor.foregroundCalls, len(executor.conversations))
	}
	if executor.conversations[0].Prompt != "Refactor the parser" {
		t.Fatalf("conversation prompt = %q", executor.conversations[0].Prompt)
	}
}

func TestProcessCommandUnknownTypeAcknowledged(t *testing.T) {
	client := remotestore.NewMemoryClient()
	executor := &fakeExecutor{}
	service := newTestService(t, client, newFakeInventory(), executor)

	cmd := remotestore.CommandRecord{
		ID:              "cmd-future",
		TargetSessionID: service.SessionID(),
		CommandType:     "open_settings",
		Status:          remotestore.CommandStatusPending,
	}
	if err := client.InsertCommand(cmd); err != nil {
		t.Fatalf("insert command: %v", err)
	}

	service.processCommand(context.Background(), cmd)

	stored, _ := client.CommandByID("cmd-future")
	if stored.Status != remotestore.CommandStatusCompleted {
		t.Fatalf("unknown command status = %q, want completed no-op", stored.Status)
	}
	if executor.callCount() != 0 {
		t.Fatal("unknown command type must not reach the executor")
	}
}

func TestProcessCommandInvalidPayloadFails(t *testing.T) {
	client := remotestore.NewMemoryClient()
	inventory := newFakeInventory()
	service := newTestService(t, client, inventory, &fakeExecutor{})

	cmd := pendingStartChat("cmd-empty", service.SessionID(), "   ")
	if err := client.InsertCommand(cmd); err != nil {
		t.Fatalf("insert command: %v", err)
	}

	service.processCommand(context.Background(), cmd)

	stored, _ := client.CommandByID("cmd-empty")
	if stored.Status != remotestore.CommandStatusFailed {
		t.Fatalf("command status = %q, want failed", stored.Status)
	}
	if stored.ErrorMessage == "" {
		t.Fatal("failed command must carry an error message")
	}
	if inventory.createdCount() != 0 {
		t.Fatal("invalid payload must not create a workspace")
	}
}

func TestProcessCommandHandlerErrorRecordsMessage(t *testing.T) {
	client := remotestore.NewMemoryClient()
	executor := &fakeExecutor{beginErr: errors.New("window manager unavailable")}
	service := newTestService(t, client, newFakeInventory(), executor)

	cmd := pendingStartChat("cmd-err", service.SessionID(), "Hello")
	if err := client.InsertCommand(cmd); err != nil {
		t.Fatalf("insert command: %v", err)
	}

	service.processCommand(context.Background(), cmd)

	stored, _ := client.CommandByID("cmd-err")
	if stored.Status != remotestore.CommandStatusFailed {
		t.Fatalf("command status = %q, want failed", stored.Status)
	}
	if stored.ErrorMessage == "" {
		t.Fatal("expected the handler error in the command row")
	}
}

func TestProcessCommandDoubleDeliveryExecutesOnce(t *testing.T) {
	client := remotestore.NewMemoryClient()
	inventory := newFakeInventory()
	executor := &fakeExecutor{}
	service := newTestService(t, client, inventory, executor)

	cmd := pendingStartChat("cmd-dup", service.SessionID(), "Once only")
	if err := client.InsertCommand(cmd); err != nil {
		t.Fatalf("insert command: %v", err)
	}

	// Push and poll may both observe the same pending record. The claim
	// lets exactly one path through.
	ctx := context.Background()
	service.processCommand(ctx, cmd)
	service.processCommand(ctx, cmd)

	if inventory.createdCount() != 1 {
		t.Fatalf("workspaces created = %d, want exactly 1", inventory.createdCount())
	}
	if executor.foregroundCalls != 1 {
		t.Fatalf("foreground calls = %d, want 1", executor.foregroundCalls)
	}
	stored, _ := client.CommandByID("cmd-dup")
	if stored.Status != remotestore.CommandStatusCompleted {
		t.Fatalf("command status = %q, want completed", stored.Status)
	}
}

type panicHandler struct{}

func (panicHandler) Handle(ctx context.Context, cmd remotestore.CommandRecord) error {
	panic("boom")
}

func TestProcessCommandHandlerPanicIsContained(t *testing.T) {
	client := remotestore.NewMemoryClient()
	service := newTestService(t, client, newFakeInventory(), nil)
	if err := service.RegisterHandler("explode", panicHandler{}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	cmd := remotestore.CommandRecord{
		ID:              "cmd-panic",
		TargetSessionID: service.SessionID(),
		CommandType:     "explode",
		Status:          remotestore.CommandStatusPending,
	}
	if err := client.InsertCommand(cmd); err != nil {
		t.Fatalf("insert command: %v", err)
	}

	service.processCommand(context.Background(), cmd)

	stored, _ := client.CommandByID("cmd-panic")
	if stored.Status != remotestore.CommandStatusFailed {
		t.Fatalf("command status = %q, want failed", stored.Status)
	}
	if stored.ErrorMessage == "" {
		t.Fatal("panic must surface as the command's error message")
	}
}

func TestPollOnceProcessesInOrder(t *testing.T) {
	client := remotestore.NewMemoryClient()
	inventory := newFakeInventory()
	executor := &fakeExecutor{}
	service := newTestService(t, client, inventory, executor)

	base := time.Now().UTC()
	for i, id := range []string{"cmd-a", "cmd-b", "cmd-c"} {
		cmd := pendingStartChat(id, service.SessionID(), "prompt "+id)
		cmd.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := client.InsertCommand(cmd); err != nil {
			t.Fatalf("insert command %s: %v", id, err)
		}
	}

	service.pollOnce(context.Background(), service.SessionID())

	if len(executor.conversations) != 3 {
		t.Fatalf("conversations = %d, want 3", len(executor.conversations))
	}
	for i, want := range []string{"prompt cmd-a", "prompt cmd-b", "prompt cmd-c"} {
		if executor.conversations[i].Prompt != want {
			t.Fatalf("conversation %d prompt = %q, want %q", i, executor.conversations[i].Prompt, want)
		}
	}
}

func TestCommandChannelFallsBackToPolling(t *testing.T) {
	client := remotestore.NewMemoryClient()
	inventory := newFakeInventory()
	executor := &fakeExecutor{}
	service := newTestService(t, client, inventory, executor)

	ctx := context.Background()
	if err := service.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer service.Stop()

	// The first heartbeat ran synchronously, so the push channel is up.
	cmdPush := pendingStartChat("cmd-push", service.SessionID(), "via push")
	if err := client.InsertCommand(cmdPush); err != nil {
		t.Fatalf("insert command: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		rec, ok := client.CommandByID("cmd-push")
		return ok && rec.Status == remotestore.CommandStatusCompleted
	}, "push-delivered command to complete")

	// Kill the push feed; the poll loop must pick up the next command.
	client.FailSubscriptions(errors.New("connection reset"))
	cmdPoll := pendingStartChat("cmd-poll", service.SessionID(), "via poll")
	if err := client.InsertCommand(cmdPoll); err != nil {
		t.Fatalf("insert command: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		rec, ok := client.CommandByID("cmd-poll")
		return ok && rec.Status == remotestore.CommandStatusCompleted
	}, "poll-delivered command to complete")

	if inventory.createdCount() != 2 {
		t.Fatalf("workspaces created = %d, want 2", inventory.createdCount())
	}
}

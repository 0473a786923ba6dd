package desksync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/desksync/internal/remotestore"
)

const CommandTypeStartChat = "start_chat"

const startChatSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["prompt"],
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"model": {"type": "string"},
		"attachments": {"type": "array", "items": {"type": "string"}}
	}
}`

var (
	startChatSchemaOnce sync.Once
	startChatSchema     *jsonschema.Schema
	startChatSchemaErr  error
)

func compiledStartChatSchema() (*jsonschema.Schema, error) {
	startChatSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(startChatSchemaJSON))
		if err != nil {
			startChatSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("start_chat.schema.json", doc); err != nil {
			startChatSchemaErr = err
			return
		}
		startChatSchema, startChatSchemaErr = compiler.Compile("start_chat.schema.json")
	})
	return startChatSchema, startChatSchemaErr
}

type startChatPayload struct {
	Prompt      string
	Model       string
	Attachments []string
}

func parseStartChatPayload(data map[string]any) (startChatPayload, error) {
	schema, err := compiledStartChatSchema()
	if err != nil {
		return startChatPayload{}, err
	}
	if data == nil {
		data = map[string]any{}
	}
	if err := schema.Validate(map[string]any(data)); err != nil {
		return startChatPayload{}, fmt.Errorf("invalid start_chat payload: %w", err)
	}
	payload := startChatPayload{}
	prompt, _ := data["prompt"].(string)
	payload.Prompt = strings.TrimSpace(prompt)
	if payload.Prompt == "" {
		return startChatPayload{}, fmt.Errorf("%w: prompt is required", remotestore.ErrInvalidInput)
	}
	if model, ok := data["model"].(string); ok {
		payload.Model = strings.TrimSpace(model)
	}
	if raw, ok := data["attachments"].([]any); ok {
		for _, item := range raw {
			if attachment, ok := item.(string); ok && attachment != "" {
				payload.Attachments = append(payload.Attachments, attachment)
			}
		}
	}
	return payload, nil
}

// StartChatHandler materializes a workspace and conversation for a
// remotely dispatched chat request, then hands off to the action
// executor. Workspace and conversation IDs derive deterministically from
// the command ID, so replaying the same command lands on the same
// workspace instead of minting a duplicate.
type StartChatHandler struct {
	inventory InventorySource
	executor  ActionExecutor
	notifier  *Notifier
}

func NewStartChatHandler(inventory InventorySource, executor ActionExecutor, notifier *Notifier) *StartChatHandler {
	return &StartChatHandler{
		inventory: inventory,
		executor:  executor,
		notifier:  notifier,
	}
}

func (h *StartChatHandler) Handle(ctx context.Context, cmd remotestore.CommandRecord) error {
	payload, err := parseStartChatPayload(cmd.CommandData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	workspace, err := h.inventory.CreateWorkspace(ctx, LocalWorkspace{
		LocalID: commandScopedID(cmd.ID, "workspace"),
		Name:    workspaceNameFromPrompt(payload.Prompt),
		ExternalRefs: map[string]string{
			"commandId": cmd.ID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := h.executor.BringToForeground(ctx); err != nil {
		return fmt.Errorf("bring to foreground: %w", err)
	}
	err = h.executor.BeginConversation(ctx, ConversationRequest{
		WorkspaceID:    workspace.LocalID,
		ConversationID: commandScopedID(cmd.ID, "conversation"),
		Prompt:         payload.Prompt,
		Model:          payload.Model,
		Attachments:    payload.Attachments,
	})
	if err != nil {
		return fmt.Errorf("begin conversation: %w", err)
	}
	h.notifier.Publish(Change{Kind: ChangeWorkspaceCreated, LocalID: workspace.LocalID})
	return nil
}

func commandScopedID(commandID, kind string) string {
	name := "desksync://start_chat/" + commandID + "/" + kind
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func workspaceNameFromPrompt(prompt string) string {
	line := prompt
	if idx := strings.IndexAny(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	const maxNameLen = 48
	if len(line) > maxNameLen {
		line = strings.TrimSpace(line[:maxNameLen])
	}
	if line == "" {
		return "New chat"
	}
	return line
}

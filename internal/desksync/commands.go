package desksync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/desksync/internal/remotestore"
)

// ensureCommandChannel discovers this process's session from the newest
// presence row and starts the command channel once. A heartbeat must
// have landed first; without a presence row the channel stays down until
// a later tick.
func (s *Service) ensureCommandChannel(ctx context.Context) {
	if s.channelRunning {
		return
	}
	creds, ok := s.creds.Current()
	if !ok {
		return
	}
	session, err := s.store.Connect(ctx, creds)
	if err != nil {
		s.logf("command channel: connect: %v", err)
		return
	}
	presence, err := session.LatestPresence(ctx, creds.UserID)
	_ = session.Close()
	if errors.Is(err, remotestore.ErrNotFound) {
		return
	}
	if err != nil {
		s.logf("command channel: session discovery: %v", err)
		return
	}
	s.channelRunning = true
	s.wg.Add(1)
	go s.runCommandChannel(ctx, presence.SessionID)
}

// runCommandChannel drives the dual delivery paths: the push feed while
// it lives, then the fixed-interval poll once the feed reports an error.
// Both paths funnel into processCommand, where the claim dedupes.
func (s *Service) runCommandChannel(ctx context.Context, sessionID string) {
	defer s.wg.Done()
	feed := s.subscribeCommands(ctx, sessionID)
	if feed != nil {
		// Catch up on anything inserted before the subscription opened.
		s.pollOnce(ctx, sessionID)
		if done := s.consumeFeed(ctx, feed); done {
			return
		}
	}
	s.pollLoop(ctx, sessionID)
}

func (s *Service) subscribeCommands(ctx context.Context, sessionID string) remotestore.CommandFeed {
	creds, ok := s.creds.Current()
	if !ok {
		return nil
	}
	session, err := s.store.Connect(ctx, creds)
	if err != nil {
		s.logf("command channel: connect for subscribe: %v", err)
		return nil
	}
	defer session.Close()
	feed, err := session.SubscribeCommands(ctx, sessionID)
	if err != nil {
		s.logf("command channel: subscribe: %v", err)
		return nil
	}
	return feed
}

// consumeFeed drains the push feed. It returns true when the context
// ended and false when the feed failed and polling should take over.
func (s *Service) consumeFeed(ctx context.Context, feed remotestore.CommandFeed) bool {
	defer feed.Close()
	for {
		select {
		case <-ctx.Done():
			return true
		case rec, ok := <-feed.Events():
			if !ok {
				if err := feed.Err(); err != nil {
					s.logf("command channel: push feed failed: %v; falling back to polling", err)
				}
				return false
			}
			s.processCommand(ctx, rec)
		}
	}
}

func (s *Service) pollLoop(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, sessionID)
		}
	}
}

func (s *Service) pollOnce(ctx context.Context, sessionID string) {
	creds, ok := s.creds.Current()
	if !ok {
		return
	}
	session, err := s.store.Connect(ctx, creds)
	if err != nil {
		s.logf("command poll: connect: %v", err)
		return
	}
	defer session.Close()
	pending, err := session.PendingCommands(ctx, sessionID)
	if err != nil {
		s.logf("command poll: list pending: %v", err)
		return
	}
	for _, rec := range pending {
		s.processCommand(ctx, rec)
	}
}

// processCommand walks one command through pending -> processing ->
// {completed|failed}. The conditional claim makes the double-delivery
// hazard harmless: whichever path claims first executes, the other
// observes a lost claim and backs off.
func (s *Service) processCommand(ctx context.Context, cmd remotestore.CommandRecord) {
	if cmd.Status != "" && cmd.Status != remotestore.CommandStatusPending {
		return
	}
	creds, ok := s.creds.Current()
	if !ok {
		return
	}
	session, err := s.store.Connect(ctx, creds)
	if err != nil {
		s.logf("command %s: connect: %v", cmd.ID, err)
		return
	}
	defer session.Close()

	claimed, err := session.ClaimCommand(ctx, cmd.ID)
	if err != nil {
		s.logf("command %s: claim: %v", cmd.ID, err)
		return
	}
	if !claimed {
		return
	}

	handler, ok := s.handlers[cmd.CommandType]
	if !ok {
		// Compatibility policy: unrecognized future command types are
		// acknowledged as completed no-ops so they cannot wedge the
		// channel in a failed state.
		s.logf("command %s: unknown type %q, acknowledging", cmd.ID, cmd.CommandType)
		s.resolveCommand(ctx, session, cmd.ID, remotestore.CommandStatusCompleted, "")
		return
	}
	if err := runHandler(ctx, handler, cmd); err != nil {
		s.logf("command %s: handler: %v", cmd.ID, err)
		s.resolveCommand(ctx, session, cmd.ID, remotestore.CommandStatusFailed, err.Error())
		return
	}
	s.resolveCommand(ctx, session, cmd.ID, remotestore.CommandStatusCompleted, "")
}

func (s *Service) resolveCommand(ctx context.Context, session remotestore.Session, commandID, status, errorMessage string) {
	if err := session.ResolveCommand(ctx, commandID, status, errorMessage); err != nil {
		s.logf("command %s: resolve %s: %v", commandID, status, err)
	}
}

func runHandler(ctx context.Context, handler CommandHandler, cmd remotestore.CommandRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, cmd)
}

package desksync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworkforce/desksync/internal/remotestore"
)

var (
	ErrMissingDependency = errors.New("missing dependency")
	ErrInvalidState      = errors.New("invalid state")
)

type Options struct {
	Store       remotestore.Client
	Credentials CredentialProvider
	Inventory   InventorySource
	Executor    ActionExecutor
	// Changes optionally feeds local IDs whose records should be
	// mirrored immediately (SyncOne) without waiting for the next bulk
	// pass.
	Changes <-chan string
	// Notifier, when provided, stays open across Stop so it can be
	// shared between services; when nil the service creates and owns one.
	Notifier *Notifier
	Config   Config
	Logger   Logger
}

// Service owns the heartbeat timer, the inventory mirror, and the
// command channel for one desktop process. It is an explicit instance
// with injected dependencies; multiple independent instances can run in
// one test binary.
type Service struct {
	store     remotestore.Client
	creds     CredentialProvider
	inventory InventorySource
	executor  ActionExecutor
	changes      <-chan string
	notifier     *Notifier
	ownsNotifier bool
	config       Config
	logger       Logger

	sessionID string
	handlers  map[string]CommandHandler

	tickCount      int
	channelRunning bool

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("%w: credential provider", ErrMissingDependency)
	}
	if opts.Inventory == nil {
		return nil, fmt.Errorf("%w: inventory source", ErrMissingDependency)
	}
	notifier := opts.Notifier
	ownsNotifier := notifier == nil
	if ownsNotifier {
		notifier = NewNotifier()
	}
	s := &Service{
		store:        opts.Store,
		creds:        opts.Credentials,
		inventory:    opts.Inventory,
		executor:     opts.Executor,
		changes:      opts.Changes,
		notifier:     notifier,
		ownsNotifier: ownsNotifier,
		config:       opts.Config.withDefaults(),
		logger:       opts.Logger,
		sessionID:    uuid.NewString(),
		handlers:     map[string]CommandHandler{},
	}
	if opts.Executor != nil {
		s.handlers[CommandTypeStartChat] = NewStartChatHandler(s.inventory, opts.Executor, notifier)
	}
	return s, nil
}

// SessionID is the identity this process advertises in every heartbeat.
func (s *Service) SessionID() string {
	return s.sessionID
}

func (s *Service) Notifier() *Notifier {
	return s.notifier
}

// RegisterHandler installs a command handler for one command type.
// Registration must happen before Start.
func (s *Service) RegisterHandler(commandType string, handler CommandHandler) error {
	commandType = strings.TrimSpace(commandType)
	if commandType == "" || handler == nil {
		return remotestore.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("%w: handlers are fixed after start", ErrInvalidState)
	}
	s.handlers[commandType] = handler
	return nil
}

// Start sends one immediate heartbeat (which triggers the first full
// inventory sync and command-channel startup), then schedules the
// recurring heartbeat. Not being logged in is not an error; the ticks
// keep probing until credentials appear.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: already started", ErrInvalidState)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	s.heartbeatTick(runCtx)

	s.wg.Add(1)
	go s.runHeartbeatLoop(runCtx)
	if s.changes != nil {
		s.wg.Add(1)
		go s.runChangeLoop(runCtx)
	}
	return nil
}

// Stop cancels all timers and subscriptions and waits for the loops to
// drain. No tick fires after Stop returns; an already-dispatched remote
// call finishes on its own and its result is discarded.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	// An injected notifier may be shared with other services; only a
	// notifier this service created is its to close.
	if s.ownsNotifier {
		s.notifier.Close()
	}
}

func (s *Service) runChangeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case localID, ok := <-s.changes:
			if !ok {
				return
			}
			if err := s.SyncOne(ctx, localID); err != nil {
				s.logf("sync on change %s: %v", localID, err)
			}
		}
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

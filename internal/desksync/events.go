package desksync

import "sync"

type ChangeKind string

const (
	ChangeInventorySynced  ChangeKind = "inventory_synced"
	ChangeWorkspaceCreated ChangeKind = "workspace_created"
)

// Change is the local-state-changed event surfaced to presentation
// layers after a sync pass or a command-created workspace.
type Change struct {
	Kind    ChangeKind
	LocalID string
}

const changeSubscriberBuffer = 16

// Notifier fans Change events out to subscribers. Publishing never
// blocks; a subscriber that stops draining loses events rather than
// stalling the sync loops.
type Notifier struct {
	mu     sync.Mutex
	closed bool
	subs   []chan Change
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Subscribe() <-chan Change {
	ch := make(chan Change, changeSubscriberBuffer)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch
	}
	n.subs = append(n.subs, ch)
	return ch
}

func (n *Notifier) Publish(change Change) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, ch := range n.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, ch := range n.subs {
		close(ch)
	}
	n.subs = nil
}

package desksync

import (
	"context"
	"time"

	"github.com/agentworkforce/desksync/internal/remotestore"
)

// SyncAll mirrors the full local inventory into the remote store, one
// idempotent upsert per record keyed by (ownerUserId, localId). A record
// that fails to sync is logged and skipped; it never aborts the pass.
func (s *Service) SyncAll(ctx context.Context) error {
	creds, ok := s.creds.Current()
	if !ok {
		return nil
	}
	session, err := s.store.Connect(ctx, creds)
	if err != nil {
		return err
	}
	defer session.Close()

	records, err := s.inventory.ListInventory(ctx, 0)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	failures := 0
	for _, record := range records {
		if err := session.UpsertWorkspace(ctx, mirrorRecord(creds.UserID, record, now)); err != nil {
			failures++
			s.logf("inventory sync: workspace %s: %v", record.LocalID, err)
		}
	}
	if failures > 0 {
		s.logf("inventory sync: %d of %d records failed", failures, len(records))
	}
	// A pass in which nothing landed changed nothing worth announcing.
	if len(records) == 0 || failures < len(records) {
		s.notifier.Publish(Change{Kind: ChangeInventorySynced})
	}
	return nil
}

// SyncOne mirrors a single record immediately after a local change for
// low-latency visibility.
func (s *Service) SyncOne(ctx context.Context, localID string) error {
	creds, ok := s.creds.Current()
	if !ok {
		return nil
	}
	record, err := s.inventory.GetWorkspace(ctx, localID)
	if err != nil {
		return err
	}
	session, err := s.store.Connect(ctx, creds)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.UpsertWorkspace(ctx, mirrorRecord(creds.UserID, record, time.Now().UTC())); err != nil {
		return err
	}
	s.notifier.Publish(Change{Kind: ChangeInventorySynced, LocalID: localID})
	return nil
}

func mirrorRecord(ownerUserID string, record LocalWorkspace, syncedAt time.Time) remotestore.WorkspaceRecord {
	return remotestore.WorkspaceRecord{
		OwnerUserID:  ownerUserID,
		LocalID:      record.LocalID,
		Name:         record.Name,
		Path:         record.Path,
		ExternalRefs: record.ExternalRefs,
		CreatedAt:    record.CreatedAt.UTC(),
		UpdatedAt:    record.UpdatedAt.UTC(),
		SyncedAt:     syncedAt,
	}
}

package desksync

import (
	"context"
	"time"

	"github.com/agentworkforce/desksync/internal/remotestore"
)

// Liveness is per device; individual workloads carry a static status
// placeholder rather than a live health probe.
const workloadStatusPlaceholder = "idle"

func (s *Service) runHeartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatTick(ctx)
		}
	}
}

// heartbeatTick is one presence publish. Every failure is logged and
// abandoned; the next tick retries independently, with no backoff state
// carried across ticks.
func (s *Service) heartbeatTick(ctx context.Context) {
	creds, ok := s.creds.Current()
	if !ok {
		// Not logged in. Deliberately not an error.
		return
	}
	session, err := s.store.Connect(ctx, creds)
	if err != nil {
		s.logf("heartbeat: connect: %v", err)
		return
	}
	defer session.Close()

	rec := remotestore.PresenceRecord{
		UserID:          creds.UserID,
		DeviceName:      s.config.DeviceName,
		SessionID:       s.sessionID,
		IsOnline:        true,
		LastHeartbeatAt: time.Now().UTC(),
		Workload:        s.buildWorkload(ctx),
		SystemInfo:      systemInfo(s.config.AgentVersion),
	}
	if err := session.UpsertPresence(ctx, rec); err != nil {
		s.logf("heartbeat: upsert presence: %v", err)
		return
	}

	s.tickCount++
	if s.tickCount == 1 || s.tickCount%s.config.ResyncEvery == 0 {
		if err := s.SyncAll(ctx); err != nil {
			s.logf("heartbeat: inventory sync: %v", err)
		}
	}
	s.ensureCommandChannel(ctx)
}

func (s *Service) buildWorkload(ctx context.Context) []remotestore.WorkloadItem {
	records, err := s.inventory.ListInventory(ctx, s.config.WorkloadLimit)
	if err != nil {
		// Liveness still goes out with an empty snapshot.
		s.logf("heartbeat: list inventory: %v", err)
		return nil
	}
	items := make([]remotestore.WorkloadItem, 0, len(records))
	for _, record := range records {
		items = append(items, remotestore.WorkloadItem{
			Name:      record.Name,
			Path:      record.Path,
			Status:    workloadStatusPlaceholder,
			CreatedAt: record.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return items
}

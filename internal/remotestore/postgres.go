package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresPresenceTableName  = "desksync_presence"
	postgresWorkspaceTableName = "desksync_workspaces"
	postgresCommandTableName   = "desksync_commands"
	postgresCommandChannel     = "desksync_commands"
	postgresOperationTimeout   = 5 * time.Second
	postgresListenerMinBackoff = 500 * time.Millisecond
	postgresListenerMaxBackoff = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresClient is the postgres:// store backend. Schema bootstrap is
// lazy and idempotent; every Connect hands out a session bound to the
// caller's current credentials.
type PostgresClient struct {
	dsn         string
	realtimeURL string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresClient(dsn string, opts ClientOptions) (*PostgresClient, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresClient{
		dsn:         dsn,
		realtimeURL: strings.TrimSpace(opts.RealtimeURL),
		openDB:      sql.Open,
	}, nil
}

func (c *PostgresClient) Connect(ctx context.Context, creds Credentials) (Session, error) {
	if c == nil {
		return nil, ErrNotConnected
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := c.db.PingContext(pingCtx); err != nil {
		return nil, err
	}
	return &postgresSession{client: c, creds: creds}, nil
}

func (c *PostgresClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *PostgresClient) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					user_id TEXT NOT NULL,
					device_name TEXT NOT NULL,
					session_id TEXT NOT NULL,
					is_online BOOLEAN NOT NULL DEFAULT TRUE,
					last_heartbeat_at TIMESTAMPTZ NOT NULL,
					workload TEXT NOT NULL DEFAULT '[]',
					system_info TEXT NOT NULL DEFAULT '{}',
					PRIMARY KEY (user_id, device_name)
				)`, postgresQuoteIdentifier(postgresPresenceTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					owner_user_id TEXT NOT NULL,
					local_id TEXT NOT NULL,
					name TEXT NOT NULL,
					path TEXT NOT NULL DEFAULT '',
					external_refs TEXT NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					synced_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (owner_user_id, local_id)
				)`, postgresQuoteIdentifier(postgresWorkspaceTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					target_session_id TEXT NOT NULL,
					command_type TEXT NOT NULL,
					command_data TEXT NOT NULL DEFAULT '{}',
					status TEXT NOT NULL DEFAULT 'pending',
					error_message TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(postgresCommandTableName)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (target_session_id, status, created_at)",
				postgresQuoteIdentifier(postgresCommandTableName+"_session_status_idx"),
				postgresQuoteIdentifier(postgresCommandTableName),
			),
			fmt.Sprintf(`
				CREATE OR REPLACE FUNCTION desksync_notify_command() RETURNS trigger AS $fn$
				BEGIN
					PERFORM pg_notify('%s', row_to_json(NEW)::text);
					RETURN NEW;
				END;
				$fn$ LANGUAGE plpgsql`, postgresCommandChannel),
			fmt.Sprintf(
				"DROP TRIGGER IF EXISTS desksync_command_insert ON %s",
				postgresQuoteIdentifier(postgresCommandTableName),
			),
			fmt.Sprintf(`
				CREATE TRIGGER desksync_command_insert
				AFTER INSERT ON %s
				FOR EACH ROW EXECUTE FUNCTION desksync_notify_command()`,
				postgresQuoteIdentifier(postgresCommandTableName),
			),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				c.initErr = err
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

type postgresSession struct {
	client *PostgresClient
	creds  Credentials
}

func (s *postgresSession) UpsertPresence(ctx context.Context, rec PresenceRecord) error {
	if s == nil || s.client == nil {
		return ErrNotConnected
	}
	if strings.TrimSpace(rec.UserID) == "" || strings.TrimSpace(rec.DeviceName) == "" {
		return ErrInvalidInput
	}
	workload, err := json.Marshal(rec.Workload)
	if err != nil {
		return err
	}
	systemInfo, err := json.Marshal(rec.SystemInfo)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, device_name, session_id, is_online, last_heartbeat_at, workload, system_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, device_name)
		DO UPDATE SET
			session_id = EXCLUDED.session_id,
			is_online = EXCLUDED.is_online,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			workload = EXCLUDED.workload,
			system_info = EXCLUDED.system_info`,
		postgresQuoteIdentifier(postgresPresenceTableName))
	_, err = s.client.db.ExecContext(opCtx, query,
		rec.UserID, rec.DeviceName, rec.SessionID, rec.IsOnline,
		rec.LastHeartbeatAt, string(workload), string(systemInfo))
	return err
}

func (s *postgresSession) LatestPresence(ctx context.Context, userID string) (PresenceRecord, error) {
	if s == nil || s.client == nil {
		return PresenceRecord{}, ErrNotConnected
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT user_id, device_name, session_id, is_online, last_heartbeat_at, workload, system_info
		FROM %s
		WHERE user_id = $1
		ORDER BY last_heartbeat_at DESC
		LIMIT 1`, postgresQuoteIdentifier(postgresPresenceTableName))
	var rec PresenceRecord
	var workload, systemInfo string
	err := s.client.db.QueryRowContext(opCtx, query, userID).Scan(
		&rec.UserID, &rec.DeviceName, &rec.SessionID, &rec.IsOnline,
		&rec.LastHeartbeatAt, &workload, &systemInfo)
	if errors.Is(err, sql.ErrNoRows) {
		return PresenceRecord{}, ErrNotFound
	}
	if err != nil {
		return PresenceRecord{}, err
	}
	if err := json.Unmarshal([]byte(workload), &rec.Workload); err != nil {
		return PresenceRecord{}, err
	}
	if err := json.Unmarshal([]byte(systemInfo), &rec.SystemInfo); err != nil {
		return PresenceRecord{}, err
	}
	return rec, nil
}

func (s *postgresSession) UpsertWorkspace(ctx context.Context, rec WorkspaceRecord) error {
	if s == nil || s.client == nil {
		return ErrNotConnected
	}
	if strings.TrimSpace(rec.OwnerUserID) == "" || strings.TrimSpace(rec.LocalID) == "" {
		return ErrInvalidInput
	}
	externalRefs, err := json.Marshal(rec.ExternalRefs)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (owner_user_id, local_id, name, path, external_refs, created_at, updated_at, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner_user_id, local_id)
		DO UPDATE SET
			name = EXCLUDED.name,
			path = EXCLUDED.path,
			external_refs = EXCLUDED.external_refs,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			synced_at = EXCLUDED.synced_at`,
		postgresQuoteIdentifier(postgresWorkspaceTableName))
	_, err = s.client.db.ExecContext(opCtx, query,
		rec.OwnerUserID, rec.LocalID, rec.Name, rec.Path, string(externalRefs),
		rec.CreatedAt, rec.UpdatedAt, rec.SyncedAt)
	return err
}

func (s *postgresSession) PendingCommands(ctx context.Context, sessionID string) ([]CommandRecord, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConnected
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, target_session_id, command_type, command_data, status, error_message, created_at
		FROM %s
		WHERE target_session_id = $1 AND status = $2
		ORDER BY created_at ASC`, postgresQuoteIdentifier(postgresCommandTableName))
	rows, err := s.client.db.QueryContext(opCtx, query, sessionID, CommandStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commands := make([]CommandRecord, 0)
	for rows.Next() {
		var rec CommandRecord
		var commandData string
		if err := rows.Scan(&rec.ID, &rec.TargetSessionID, &rec.CommandType,
			&commandData, &rec.Status, &rec.ErrorMessage, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(commandData), &rec.CommandData); err != nil {
			return nil, err
		}
		commands = append(commands, rec)
	}
	return commands, rows.Err()
}

func (s *postgresSession) ClaimCommand(ctx context.Context, commandID string) (bool, error) {
	if s == nil || s.client == nil {
		return false, ErrNotConnected
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"UPDATE %s SET status = $1 WHERE id = $2 AND status = $3",
		postgresQuoteIdentifier(postgresCommandTableName))
	result, err := s.client.db.ExecContext(opCtx, query,
		CommandStatusProcessing, commandID, CommandStatusPending)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *postgresSession) ResolveCommand(ctx context.Context, commandID, status, errorMessage string) error {
	if s == nil || s.client == nil {
		return ErrNotConnected
	}
	if status != CommandStatusCompleted && status != CommandStatusFailed {
		return fmt.Errorf("%w: resolve status %q", ErrInvalidInput, status)
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"UPDATE %s SET status = $1, error_message = $2 WHERE id = $3",
		postgresQuoteIdentifier(postgresCommandTableName))
	_, err := s.client.db.ExecContext(opCtx, query, status, errorMessage, commandID)
	return err
}

func (s *postgresSession) SubscribeCommands(ctx context.Context, sessionID string) (CommandFeed, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConnected
	}
	if s.client.realtimeURL != "" {
		return dialRealtimeFeed(ctx, s.client.realtimeURL, s.creds.BearerToken, sessionID)
	}
	return newListenerFeed(s.client.dsn, sessionID)
}

func (s *postgresSession) Close() error {
	// The session borrows the client's pooled handle; nothing to release.
	return nil
}

// listenerFeed adapts a LISTEN/NOTIFY channel into a CommandFeed. The
// insert trigger publishes each command row as JSON; rows for other
// sessions are dropped after decode.
type listenerFeed struct {
	notify    <-chan *pq.Notification
	closeFn   func() error
	sessionID string
	events    chan CommandRecord
	done      chan struct{}

	mu             sync.Mutex
	err            error
	closed         bool
	closedByCaller bool
}

func newListenerFeed(dsn, sessionID string) (*listenerFeed, error) {
	feed := &listenerFeed{
		sessionID: sessionID,
		events:    make(chan CommandRecord, memoryFeedBuffer),
		done:      make(chan struct{}),
	}
	listener := pq.NewListener(dsn, postgresListenerMinBackoff, postgresListenerMaxBackoff,
		func(event pq.ListenerEventType, err error) {
			if event == pq.ListenerEventConnectionAttemptFailed {
				feed.terminate(err)
			}
		})
	if err := listener.Listen(postgresCommandChannel); err != nil {
		_ = listener.Close()
		return nil, err
	}
	feed.notify = listener.Notify
	feed.closeFn = listener.Close
	go feed.run()
	return feed, nil
}

// run is the sole writer and closer of f.events.
func (f *listenerFeed) run() {
	defer close(f.events)
	for {
		select {
		case <-f.done:
			return
		case notification, ok := <-f.notify:
			if !ok {
				f.terminate(ErrFeedClosed)
				return
			}
			if notification == nil {
				// Reconnect marker. Notifications emitted during the
				// outage are gone for good, so the feed ends here and the
				// consumer's poll fallback re-lists everything still
				// pending.
				f.terminate(ErrFeedClosed)
				return
			}
			rec, err := decodeCommandNotification(notification.Extra)
			if err != nil {
				continue
			}
			if rec.TargetSessionID != f.sessionID {
				continue
			}
			select {
			case f.events <- rec:
			case <-f.done:
				return
			}
		}
	}
}

func (f *listenerFeed) Events() <-chan CommandRecord {
	return f.events
}

func (f *listenerFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closedByCaller {
		return nil
	}
	return f.err
}

func (f *listenerFeed) Close() error {
	f.mu.Lock()
	f.closedByCaller = true
	f.mu.Unlock()
	f.terminate(nil)
	return nil
}

func (f *listenerFeed) terminate(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.err = err
	f.closed = true
	close(f.done)
	f.mu.Unlock()
	if f.closeFn != nil {
		_ = f.closeFn()
	}
}

func decodeCommandNotification(payload string) (CommandRecord, error) {
	var row struct {
		ID              string    `json:"id"`
		TargetSessionID string    `json:"target_session_id"`
		CommandType     string    `json:"command_type"`
		CommandData     string    `json:"command_data"`
		Status          string    `json:"status"`
		ErrorMessage    string    `json:"error_message"`
		CreatedAt       time.Time `json:"created_at"`
	}
	if err := json.Unmarshal([]byte(payload), &row); err != nil {
		return CommandRecord{}, err
	}
	if strings.TrimSpace(row.ID) == "" {
		return CommandRecord{}, ErrInvalidInput
	}
	rec := CommandRecord{
		ID:              row.ID,
		TargetSessionID: row.TargetSessionID,
		CommandType:     row.CommandType,
		Status:          row.Status,
		ErrorMessage:    row.ErrorMessage,
		CreatedAt:       row.CreatedAt,
	}
	if strings.TrimSpace(row.CommandData) != "" {
		if err := json.Unmarshal([]byte(row.CommandData), &rec.CommandData); err != nil {
			return CommandRecord{}, err
		}
	}
	return rec, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"stablecall-backend/internal/domain"
	"stablecall-backend/pkg/metrics"
)

const callLogsSchema = `
	CREATE TABLE IF NOT EXISTS call_logs (
		call_id      UUID        NOT NULL,
		user_id      UUID        NOT NULL,
		channel_id   STRING      NOT NULL,
		initiator_id UUID        NOT NULL,
		role         STRING      NOT NULL,
		media_kind   STRING      NOT NULL,
		end_reason   STRING      NOT NULL,
		started_at   TIMESTAMPTZ NOT NULL,
		connected_at TIMESTAMPTZ,
		ended_at     TIMESTAMPTZ NOT NULL,
		duration     INT         NOT NULL DEFAULT 0,
		PRIMARY KEY (call_id, user_id),
		INDEX call_logs_user_channel_idx (user_id, channel_id, started_at DESC)
	)
`

// CallLogRepository handles ended-call history
type CallLogRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewCallLogRepository creates a new call log repository
func NewCallLogRepository(pool *pgxpool.Pool, m *metrics.Metrics) *CallLogRepository {
	return &CallLogRepository{pool: pool, metrics: m}
}

// EnsureSchema creates the call_logs table if it does not exist
func (r *CallLogRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, callLogsSchema); err != nil {
		return fmt.Errorf("failed to create call_logs table: %w", err)
	}
	return nil
}

// Save inserts a call log entry. A repeated save for the same call and user is ignored.
func (r *CallLogRepository) Save(ctx context.Context, entry *domain.CallLog) error {
	query := `
		INSERT INTO call_logs (
			call_id, user_id, channel_id, initiator_id, role, media_kind,
			end_reason, started_at, connected_at, ended_at, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (call_id, user_id) DO NOTHING
	`

	start := time.Now()
	_, err := r.pool.Exec(ctx, query,
		entry.CallID,
		entry.UserID,
		entry.ChannelID,
		entry.InitiatorID,
		string(entry.Role),
		string(entry.MediaKind),
		string(entry.EndReason),
		entry.StartedAt,
		entry.ConnectedAt,
		entry.EndedAt,
		entry.Duration,
	)
	r.record("insert", start, err)

	if err != nil {
		return fmt.Errorf("failed to save call log: %w", err)
	}

	return nil
}

// ListByChannel retrieves a user's call history in a channel, newest first
func (r *CallLogRepository) ListByChannel(ctx context.Context, userID uuid.UUID, channelID string, limit, offset int) ([]*domain.CallLog, error) {
	query := `
		SELECT call_id, user_id, channel_id, initiator_id, role, media_kind,
		       end_reason, started_at, connected_at, ended_at, duration
		FROM call_logs
		WHERE user_id = $1 AND channel_id = $2
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4
	`

	start := time.Now()
	rows, err := r.pool.Query(ctx, query, userID, channelID, limit, offset)
	if err != nil {
		r.record("select", start, err)
		return nil, fmt.Errorf("failed to get call history: %w", err)
	}
	defer rows.Close()

	var logs []*domain.CallLog
	for rows.Next() {
		entry := &domain.CallLog{}
		var role, kind, reason string
		err := rows.Scan(
			&entry.CallID,
			&entry.UserID,
			&entry.ChannelID,
			&entry.InitiatorID,
			&role,
			&kind,
			&reason,
			&entry.StartedAt,
			&entry.ConnectedAt,
			&entry.EndedAt,
			&entry.Duration,
		)
		if err != nil {
			r.record("select", start, err)
			return nil, fmt.Errorf("failed to scan call log: %w", err)
		}
		entry.Role = domain.Role(role)
		entry.MediaKind = domain.MediaKind(kind)
		entry.EndReason = domain.EndReason(reason)
		logs = append(logs, entry)
	}
	err = rows.Err()
	r.record("select", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to iterate call history: %w", err)
	}

	return logs, nil
}

func (r *CallLogRepository) record(op string, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.RecordDBQuery(op, "call_logs", time.Since(start), err)
	}
}

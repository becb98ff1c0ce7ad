package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/txctx"
)

// DBSink writes audit records to the audit_records table. When the context
// carries a transaction (see txctx) the insert joins it, so a record commits
// or rolls back together with the mutation it describes.
type DBSink struct {
	db *sql.DB
}

// NewDBSink creates a new database-backed sink
func NewDBSink(db *sql.DB) (*DBSink, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBSink{db: db}, nil
}

// EnsureSchema creates the audit_records table if it doesn't exist
func (s *DBSink) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id VARCHAR(64) PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		outcome VARCHAR(32) NOT NULL,
		actor_id VARCHAR(255),
		organization_id VARCHAR(255),
		target_type VARCHAR(32),
		target_id VARCHAR(255),
		message TEXT,
		error_message TEXT,
		metadata TEXT,
		changes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_records_timestamp ON audit_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_records_target ON audit_records(target_type, target_id);
	CREATE INDEX IF NOT EXISTS idx_audit_records_org ON audit_records(organization_id);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure audit_records table: %w", err)
	}
	return nil
}

// Append inserts the records using the transaction in ctx when present.
// Outside a transaction the records are inserted in one of their own.
func (s *DBSink) Append(ctx context.Context, records ...*Record) error {
	if len(records) == 0 {
		return nil
	}

	if _, ok := txctx.From(ctx); ok {
		return s.insertAll(ctx, records)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	if err := s.insertAll(txctx.WithTx(ctx, tx), records); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit records: %w", err)
	}
	return nil
}

func (s *DBSink) insertAll(ctx context.Context, records []*Record) error {
	query := `
		INSERT INTO audit_records (
			id, timestamp, event_type, outcome,
			actor_id, organization_id, target_type, target_id,
			message, error_message, metadata, changes
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12
		)
	`
	exec := txctx.ExecerFor(ctx, s.db)
	for _, r := range records {
		metadata, err := marshalNullable(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		var changes sql.NullString
		if r.Changes != nil {
			changes, err = marshalNullable(r.Changes)
			if err != nil {
				return fmt.Errorf("failed to marshal changes: %w", err)
			}
		}

		_, err = exec.ExecContext(ctx, query,
			r.ID, r.Timestamp.UTC(), string(r.EventType), string(r.Outcome),
			r.ActorID, r.OrganizationID, string(r.TargetType), r.TargetID,
			r.Message, r.ErrorMessage, metadata, changes,
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit record: %w", err)
		}
	}
	return nil
}

// Search queries records matching the filter, oldest first
func (s *DBSink) Search(ctx context.Context, filter Filter) ([]*Record, error) {
	var (
		conditions []string
		args       []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.StartTime != nil {
		add("timestamp >= $%d", filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		add("timestamp < $%d", filter.EndTime.UTC())
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.TargetType != "" {
		add("target_type = $%d", string(filter.TargetType))
	}
	if filter.TargetID != "" {
		add("target_id = $%d", filter.TargetID)
	}
	if filter.Outcome != "" {
		add("outcome = $%d", string(filter.Outcome))
	}
	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			args = append(args, string(et))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `
		SELECT id, timestamp, event_type, outcome,
		       actor_id, organization_id, target_type, target_id,
		       message, error_message, metadata, changes
		FROM audit_records
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := txctx.ExecerFor(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	if filter.Limit <= 0 && filter.Offset > 0 {
		records = paginate(records, filter.Offset, 0)
	}
	return records, nil
}

// Get retrieves a record by id, or nil when unknown
func (s *DBSink) Get(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT id, timestamp, event_type, outcome,
		       actor_id, organization_id, target_type, target_id,
		       message, error_message, metadata, changes
		FROM audit_records
		WHERE id = $1
	`
	rows, err := txctx.ExecerFor(ctx, s.db).QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRecord(rows)
}

// Stats summarizes records in [from, to)
func (s *DBSink) Stats(ctx context.Context, from, to time.Time) (*Stats, error) {
	query := `
		SELECT event_type, outcome, COUNT(*)
		FROM audit_records
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY event_type, outcome
	`
	rows, err := txctx.ExecerFor(ctx, s.db).QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query audit stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{
		RecordsByType:   make(map[EventType]int64),
		RecordsByResult: make(map[Outcome]int64),
	}
	for rows.Next() {
		var eventType, outcome string
		var count int64
		if err := rows.Scan(&eventType, &outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit stats: %w", err)
		}
		stats.TotalRecords += count
		stats.RecordsByType[EventType(eventType)] += count
		stats.RecordsByResult[Outcome(outcome)] += count
		if Outcome(outcome) == OutcomeDenied {
			stats.Denials += count
		}
	}
	return stats, rows.Err()
}

// Purge deletes records older than before and returns how many were removed.
// Callers archive first; the trail itself is never rewritten.
func (s *DBSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_records WHERE timestamp < $1", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit records: %w", err)
	}
	return result.RowsAffected()
}

// Close is a no-op; the database handle is owned by the caller
func (s *DBSink) Close() error {
	return nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	r := &Record{}
	var eventType, outcome string
	var actorID, orgID, targetType, targetID sql.NullString
	var message, errorMessage, metadata, changes sql.NullString
	err := rows.Scan(
		&r.ID, &r.Timestamp, &eventType, &outcome,
		&actorID, &orgID, &targetType, &targetID,
		&message, &errorMessage, &metadata, &changes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}

	r.EventType = EventType(eventType)
	r.Outcome = Outcome(outcome)
	r.ActorID = actorID.String
	r.OrganizationID = orgID.String
	r.TargetType = TargetType(targetType.String)
	r.TargetID = targetID.String
	r.Message = message.String
	r.ErrorMessage = errorMessage.String

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if changes.Valid && changes.String != "" {
		r.Changes = &Changes{}
		if err := json.Unmarshal([]byte(changes.String), r.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
		}
	}
	return r, nil
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	switch m := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case map[string]interface{}:
		if m == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

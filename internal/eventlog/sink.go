// Package eventlog is the durable, append-only record of every task's
// lifecycle events. Each append is committed before it returns, so a
// terminal event being logged is itself a commit point. Records are never
// mutated or deleted by the engine, except for whole-lifecycle retention
// pruning.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/opkit/internal/task"
)

// Record is the flattened, persisted projection of one task event plus the
// originating descriptor's id and kind.
type Record struct {
	TaskID     string         `json:"task_id"`
	Seq        int64          `json:"seq"`
	ActionID   string         `json:"action_id"`
	ActionKind string         `json:"action_kind"`
	Type       task.EventType `json:"type"`
	At         time.Time      `json:"at"`
	Stream     task.Stream    `json:"stream,omitempty"`
	Text       string         `json:"text,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Message    string         `json:"message,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// FromEvent flattens a live event into a record. The presentation handle,
// being process-local and opaque, is deliberately not carried over.
func FromEvent(ev task.Event, actionID, actionKind string) Record {
	return Record{
		TaskID:     ev.TaskID,
		Seq:        ev.Seq,
		ActionID:   actionID,
		ActionKind: actionKind,
		Type:       ev.Type,
		At:         ev.At,
		Stream:     ev.Stream,
		Text:       ev.Text,
		ExitCode:   ev.ExitCode,
		ErrorKind:  ev.ErrorKind,
		Message:    ev.Message,
		Reason:     ev.Reason,
	}
}

// timeLayout pads fractional seconds to full width. RFC3339Nano drops
// trailing zeros, which breaks the lexicographic timestamp comparisons the
// queries rely on at whole-second boundaries.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Sink writes and reads the event log. Append is safe to call concurrently
// from multiple workers.
type Sink struct {
	db *sql.DB
}

func New(db *sql.DB) *Sink {
	return &Sink{db: db}
}

// Append durably writes one record. The insert is committed (fsynced by
// SQLite under synchronous=FULL) before Append returns.
func (s *Sink) Append(ctx context.Context, rec Record) error {
	if rec.TaskID == "" {
		return fmt.Errorf("record task_id is empty")
	}
	if rec.Seq <= 0 {
		return fmt.Errorf("record seq must be positive, got %d", rec.Seq)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO event_log(
  task_id, seq, action_id, action_kind, type, at,
  stream, text, exit_code, error_kind, message, reason
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		rec.TaskID, rec.Seq, rec.ActionID, rec.ActionKind, string(rec.Type),
		rec.At.UTC().Format(timeLayout),
		nullString(string(rec.Stream)), nullString(rec.Text),
		nullInt(rec.ExitCode), nullString(rec.ErrorKind),
		nullString(rec.Message), nullString(rec.Reason),
	)
	if err != nil {
		return fmt.Errorf("append event_log record: %w", err)
	}
	return nil
}

// Filter narrows a log query. Zero values mean "no constraint".
type Filter struct {
	TaskID   string
	ActionID string
	Types    []task.EventType
	Since    time.Time
	Until    time.Time
}

// Query returns a lazy cursor over matching records, ordered by task id and
// sequence. The whole log is never loaded into memory.
func (s *Sink) Query(ctx context.Context, f Filter) (*Cursor, error) {
	var (
		conds []string
		args  []any
	)
	if f.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.ActionID != "" {
		conds = append(conds, "action_id = ?")
		args = append(args, f.ActionID)
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "type IN ("+strings.Join(ph, ", ")+")")
	}
	if !f.Since.IsZero() {
		conds = append(conds, "at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "at < ?")
		args = append(args, f.Until.UTC().Format(timeLayout))
	}

	query := `
SELECT task_id, seq, action_id, action_kind, type, at,
       stream, text, exit_code, error_kind, message, reason
FROM event_log`
	if len(conds) > 0 {
		query += "\nWHERE " + strings.Join(conds, " AND ")
	}
	query += "\nORDER BY task_id ASC, seq ASC;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query event_log: %w", err)
	}
	return &Cursor{rows: rows}, nil
}

// Prune deletes whole task histories whose terminal record is older than
// cutoff. A task with no terminal record yet, or a recent one, is left
// fully intact: retention never splits one lifecycle.
func (s *Sink) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM event_log
WHERE task_id IN (
  SELECT task_id FROM event_log
  WHERE type IN (?, ?, ?) AND at < ?
);`,
		string(task.EventCompleted), string(task.EventFailed), string(task.EventCancelled),
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune event_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Cursor lazily iterates query results.
type Cursor struct {
	rows *sql.Rows
	rec  Record
	err  error
}

// Next advances to the next record, returning false at the end or on error.
func (c *Cursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}

	var (
		atS       string
		stream    sql.NullString
		text      sql.NullString
		exitCode  sql.NullInt64
		errorKind sql.NullString
		message   sql.NullString
		reason    sql.NullString
		typeS     string
	)
	c.err = c.rows.Scan(
		&c.rec.TaskID, &c.rec.Seq, &c.rec.ActionID, &c.rec.ActionKind, &typeS, &atS,
		&stream, &text, &exitCode, &errorKind, &message, &reason,
	)
	if c.err != nil {
		return false
	}

	c.rec.Type = task.EventType(typeS)
	if t, err := time.Parse(time.RFC3339Nano, atS); err == nil {
		c.rec.At = t
	}
	c.rec.Stream = task.Stream(stream.String)
	c.rec.Text = text.String
	c.rec.ExitCode = nil
	if exitCode.Valid {
		v := int(exitCode.Int64)
		c.rec.ExitCode = &v
	}
	c.rec.ErrorKind = errorKind.String
	c.rec.Message = message.String
	c.rec.Reason = reason.String
	return true
}

// Record returns the current record. Valid only after Next reported true.
func (c *Cursor) Record() Record {
	return c.rec
}

// Err returns the first error encountered during iteration.
func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

// Close releases the cursor.
func (c *Cursor) Close() error {
	return c.rows.Close()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

package indexdb

import (
	"context"
	"database/sql"
)

// TickRow is the indexed summary of one frame.
type TickRow struct {
	Frame         uint64 `json:"frame"`
	Sequences     int    `json:"sequences"`
	Observers     int    `json:"observers"`
	Desired       int    `json:"desired"`
	Clipped       int    `json:"clipped"`
	Started       int    `json:"started"`
	Completed     int    `json:"completed"`
	Failed        int    `json:"failed"`
	Evicted       int    `json:"evicted"`
	Resident      int    `json:"resident"`
	Pending       int    `json:"pending"`
	ResidentBytes int64  `json:"resident_bytes"`
}

type EventRow struct {
	Frame  uint64 `json:"frame"`
	Seq    string `json:"seq"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

// RecentTicks returns up to limit rows, newest first.
func (s *SQLiteIndex) RecentTicks(ctx context.Context, limit int) ([]TickRow, error) {
	if limit <= 0 {
		limit = 60
	}
	rows, err := s.db.QueryContext(ctx, `SELECT frame,sequences,observers,desired,clipped,started,completed,failed,evicted,resident,pending,resident_bytes
		FROM ticks ORDER BY frame DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TickRow
	for rows.Next() {
		var r TickRow
		var frame int64
		if err := rows.Scan(&frame, &r.Sequences, &r.Observers, &r.Desired, &r.Clipped, &r.Started,
			&r.Completed, &r.Failed, &r.Evicted, &r.Resident, &r.Pending, &r.ResidentBytes); err != nil {
			return nil, err
		}
		r.Frame = uint64(frame)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SequenceEvents lists the lifecycle events of the sequence called name,
// oldest first. An empty name lists all.
func (s *SQLiteIndex) SequenceEvents(ctx context.Context, name string) ([]EventRow, error) {
	q := `SELECT frame,seq,name,kind,reason FROM sequence_events`
	var args []any
	if name != "" {
		q += ` WHERE name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var r EventRow
		var frame int64
		var reason sql.NullString
		if err := rows.Scan(&frame, &r.Seq, &r.Name, &r.Kind, &reason); err != nil {
			return nil, err
		}
		r.Frame = uint64(frame)
		r.Reason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

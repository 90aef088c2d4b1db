package auditledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// entryColumns is the column list shared by the SQL stores, in scan order.
const entryColumns = `sequence_number, action_type, entity_type, entity_id, actor_id, actor_label,
	description, data_before, data_after, data_changes, origin_address, created_at,
	previous_hash, current_hash`

// sqlDialect captures the differences between the SQL backends.
type sqlDialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
	// anySequences renders "sequence_number IN (...)" for the dialect and
	// appends its arguments.
	anySequences func(next func(any) string, seqs []int64) string
}

var postgresDialect = sqlDialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeArg:     func(t time.Time) any { return t.UTC() },
	anySequences: func(next func(any) string, seqs []int64) string {
		return "sequence_number = ANY(" + next(seqs) + ")"
	},
}

var sqliteDialect = sqlDialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return t.UTC().UnixMicro() },
	anySequences: func(next func(any) string, seqs []int64) string {
		ph := make([]string, len(seqs))
		for i, s := range seqs {
			ph[i] = next(s)
		}
		return "sequence_number IN (" + strings.Join(ph, ", ") + ")"
	},
}

// where renders f as a WHERE clause (empty when f is unconstrained) and
// its positional arguments.
func (d sqlDialect) where(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}

	if f.ActorID != "" {
		conds = append(conds, "actor_id = "+next(f.ActorID))
	}
	if f.ActionType != "" {
		conds = append(conds, "action_type = "+next(string(f.ActionType)))
	}
	if f.EntityType != "" {
		conds = append(conds, "entity_type = "+next(f.EntityType))
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = "+next(f.EntityID))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= "+next(d.timeArg(f.Since)))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= "+next(d.timeArg(f.Until)))
	}
	if f.MinSequence > 0 {
		conds = append(conds, "sequence_number >= "+next(f.MinSequence))
	}
	if f.MaxSequence > 0 {
		conds = append(conds, "sequence_number <= "+next(f.MaxSequence))
	}
	if len(f.Sequences) > 0 {
		conds = append(conds, d.anySequences(next, f.Sequences))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// pageQuery renders the count and page statements for f.
func (d sqlDialect) pageQuery(f Filter, order Order, offset, limit int) (countSQL, pageSQL string, countArgs, pageArgs []any) {
	where, args := d.where(f)
	countSQL = "SELECT COUNT(*) FROM audit_ledger" + where

	dir := "DESC"
	if order == OldestFirst {
		dir = "ASC"
	}
	pageArgs = append(append([]any{}, args...), limit, offset)
	pageSQL = fmt.Sprintf("SELECT %s FROM audit_ledger%s ORDER BY sequence_number %s LIMIT %s OFFSET %s",
		entryColumns, where, dir, d.placeholder(len(args)+1), d.placeholder(len(args)+2))
	return countSQL, pageSQL, args, pageArgs
}

// encodeJSONColumn returns nil for an absent value so that it is stored as
// SQL NULL, and the JSON text otherwise.
func encodeJSONColumn(v any, isNil bool) (any, error) {
	if isNil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// entryRow holds the raw column values of one row before decoding.
type entryRow struct {
	e                                  Entry
	actionType                         string
	dataBefore, dataAfter, dataChanges []byte
}

func (r *entryRow) decode() (*Entry, error) {
	e := r.e
	e.ActionType = ActionType(r.actionType)
	if len(r.dataBefore) > 0 {
		if err := e.DataBefore.UnmarshalJSON(r.dataBefore); err != nil {
			return nil, fmt.Errorf("decode data_before of %d: %w", e.SequenceNumber, err)
		}
	}
	if len(r.dataAfter) > 0 {
		if err := e.DataAfter.UnmarshalJSON(r.dataAfter); err != nil {
			return nil, fmt.Errorf("decode data_after of %d: %w", e.SequenceNumber, err)
		}
	}
	if len(r.dataChanges) > 0 {
		if err := decodeJSON(r.dataChanges, &e.DataChanges); err != nil {
			return nil, fmt.Errorf("decode data_changes of %d: %w", e.SequenceNumber, err)
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

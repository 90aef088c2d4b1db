package auditledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActionType is the kind of administrative action an entry records.
type ActionType string

const (
	ActionCreate       ActionType = "CREATE"
	ActionUpdate       ActionType = "UPDATE"
	ActionDelete       ActionType = "DELETE"
	ActionView         ActionType = "VIEW"
	ActionApprove      ActionType = "APPROVE"
	ActionDecline      ActionType = "DECLINE"
	ActionUpdateRole   ActionType = "UPDATE_ROLE"
	ActionUpdateStatus ActionType = "UPDATE_STATUS"
)

var actionTypes = []ActionType{
	ActionCreate, ActionUpdate, ActionDelete, ActionView,
	ActionApprove, ActionDecline, ActionUpdateRole, ActionUpdateStatus,
}

// ActionTypes returns the closed set of valid action types.
func ActionTypes() []ActionType {
	out := make([]ActionType, len(actionTypes))
	copy(out, actionTypes)
	return out
}

// Valid reports whether a is one of the closed set of action types.
func (a ActionType) Valid() bool {
	for _, t := range actionTypes {
		if a == t {
			return true
		}
	}
	return false
}

// ParseActionType parses s case-insensitively.
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return a, nil
}

// Snapshot is a structured key/value view of a record's state.
// Numbers decode as json.Number so that re-encoding reproduces the
// original text exactly; hashing depends on that.
type Snapshot map[string]any

// UnmarshalJSON implements json.Unmarshaler.
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := decodeJSON(b, &m); err != nil {
		return err
	}
	*s = m
	return nil
}

// FieldChange holds a single field's value before and after an action.
type FieldChange struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *FieldChange) UnmarshalJSON(b []byte) error {
	var raw struct {
		Before any `json:"before"`
		After  any `json:"after"`
	}
	if err := decodeJSON(b, &raw); err != nil {
		return err
	}
	c.Before, c.After = raw.Before, raw.After
	return nil
}

// Changes maps a changed field name to its before/after values.
type Changes map[string]FieldChange

// Entry is one immutable audit record. Once committed it is never updated
// or deleted; corrections are new entries.
type Entry struct {
	SequenceNumber int64      `json:"sequence_number"`
	ActionType     ActionType `json:"action_type"`
	EntityType     string     `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	ActorID        string     `json:"actor_id"`
	ActorLabel     string     `json:"actor_label"`
	Description    string     `json:"description"`
	DataBefore     Snapshot   `json:"data_before"`
	DataAfter      Snapshot   `json:"data_after"`
	DataChanges    Changes    `json:"data_changes"`
	OriginAddress  string     `json:"origin_address"`
	CreatedAt      time.Time  `json:"created_at"`
	PreviousHash   string     `json:"previous_hash"`
	CurrentHash    string     `json:"current_hash"`
}

// IsGenesis reports whether e is the first entry of the chain.
func (e *Entry) IsGenesis() bool { return e.SequenceNumber == 1 }

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.DataBefore = cloneSnapshot(e.DataBefore)
	cp.DataAfter = cloneSnapshot(e.DataAfter)
	if e.DataChanges != nil {
		cp.DataChanges = make(Changes, len(e.DataChanges))
		for k, v := range e.DataChanges {
			cp.DataChanges[k] = FieldChange{Before: cloneValue(v.Before), After: cloneValue(v.After)}
		}
	}
	return &cp
}

func cloneSnapshot(s Snapshot) Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case Snapshot:
		return cloneSnapshot(t)
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// NormalizeSnapshot round-trips s through JSON so that every value has the
// shape it will have after being read back from any store.
func NormalizeSnapshot(s Snapshot) (Snapshot, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(s))
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var out Snapshot
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return out, nil
}

func decodeJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

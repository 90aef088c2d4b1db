package auditledger

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DiffSnapshots returns the field-level changes between before and after.
// It returns nil unless both snapshots are present and at least one field
// differs. A field missing on one side is reported with a nil value there.
func DiffSnapshots(before, after Snapshot) (Changes, error) {
	if before == nil || after == nil {
		return nil, nil
	}

	changes := Changes{}
	for k, b := range before {
		a, ok := after[k]
		if !ok {
			changes[k] = FieldChange{Before: b, After: nil}
			continue
		}
		same, err := jsonEqual(b, a)
		if err != nil {
			return nil, fmt.Errorf("compare field %q: %w", k, err)
		}
		if !same {
			changes[k] = FieldChange{Before: b, After: a}
		}
	}
	for k, a := range after {
		if _, ok := before[k]; !ok {
			changes[k] = FieldChange{Before: nil, After: a}
		}
	}

	if len(changes) == 0 {
		return nil, nil
	}
	return changes, nil
}

func jsonEqual(a, b any) (bool, error) {
	ab, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

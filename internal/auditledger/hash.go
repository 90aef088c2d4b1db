package auditledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"
	"unicode/utf8"
)

// GenesisPreviousHash is the PreviousHash of the genesis entry.
const GenesisPreviousHash = ""

// hashContent fixes the field order of the hashed encoding. Maps inside
// snapshots and changes are encoded with sorted keys by encoding/json.
// Every Entry field except PreviousHash and CurrentHash appears here,
// origin_address included.
type hashContent struct {
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
	CreatedAt      string     `json:"created_at"`
}

// CanonicalContent returns the order-stable encoding of e's content,
// excluding PreviousHash and CurrentHash. Content holding a string that is
// not valid UTF-8 is rejected: encoding/json would replace its bytes with
// U+FFFD, and distinct contents would share a hash.
func CanonicalContent(e *Entry) ([]byte, error) {
	if err := checkEntryText(e); err != nil {
		return nil, fmt.Errorf("encode entry %d: %w", e.SequenceNumber, err)
	}
	b, err := json.Marshal(hashContent{
		SequenceNumber: e.SequenceNumber,
		ActionType:     e.ActionType,
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		ActorID:        e.ActorID,
		ActorLabel:     e.ActorLabel,
		Description:    e.Description,
		DataBefore:     e.DataBefore,
		DataAfter:      e.DataAfter,
		DataChanges:    e.DataChanges,
		OriginAddress:  e.OriginAddress,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode entry %d: %w", e.SequenceNumber, err)
	}
	return b, nil
}

// ComputeHash returns the hex SHA-256 of e's canonical content followed by
// previousHash. It has no side effects; e.PreviousHash and e.CurrentHash
// are ignored.
func ComputeHash(e *Entry, previousHash string) (string, error) {
	content, err := CanonicalContent(e)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(content)
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// recompute hashes e against its own stored PreviousHash. Encoding errors
// yield an empty hash, which never matches a stored one.
func recompute(e *Entry) string {
	h, err := ComputeHash(e, e.PreviousHash)
	if err != nil {
		return ""
	}
	return h
}

func checkEntryText(e *Entry) error {
	for _, f := range []struct{ name, v string }{
		{"action_type", string(e.ActionType)},
		{"entity_type", e.EntityType},
		{"entity_id", e.EntityID},
		{"actor_id", e.ActorID},
		{"actor_label", e.ActorLabel},
		{"description", e.Description},
		{"origin_address", e.OriginAddress},
	} {
		if !utf8.ValidString(f.v) {
			return fmt.Errorf("%s: %w", f.name, ErrInvalidUTF8)
		}
	}
	if err := checkText("data_before", reflect.ValueOf(e.DataBefore), 0); err != nil {
		return err
	}
	if err := checkText("data_after", reflect.ValueOf(e.DataAfter), 0); err != nil {
		return err
	}
	return checkText("data_changes", reflect.ValueOf(e.DataChanges), 0)
}

const maxTextDepth = 256

// checkText walks v the way encoding/json would encode it and reports the
// first string, map key included, that is not valid UTF-8.
func checkText(path string, v reflect.Value, depth int) error {
	if depth > maxTextDepth {
		return fmt.Errorf("%s: nested too deeply", path)
	}
	switch v.Kind() {
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return fmt.Errorf("%s: %w", path, ErrInvalidUTF8)
		}
	case reflect.Interface, reflect.Pointer:
		if !v.IsNil() {
			return checkText(path, v.Elem(), depth+1)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			key := iter.Key()
			child := path + "." + fmt.Sprint(key.Interface())
			if key.Kind() == reflect.String {
				if !utf8.ValidString(key.String()) {
					return fmt.Errorf("%s: key %q: %w", path, key.String(), ErrInvalidUTF8)
				}
				child = path + "." + key.String()
			}
			if err := checkText(child, iter.Value(), depth+1); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		// []byte is encoded as base64.
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkText(path+"["+strconv.Itoa(i)+"]", v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := checkText(path+"."+t.Field(i).Name, v.Field(i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

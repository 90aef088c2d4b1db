package auditledger_test

import (
	"errors"
	"testing"

	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
)

func TestComputeHash_deterministic(t *testing.T) {
	e := buildChain(t, 1)[0]

	h1, err := auditledger.ComputeHash(e, "")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := auditledger.ComputeHash(e.Clone(), "")
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %q vs %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestComputeHash_ignoresStoredHashes(t *testing.T) {
	e := buildChain(t, 1)[0]
	want, _ := auditledger.ComputeHash(e, "x")

	cp := e.Clone()
	cp.PreviousHash = "something else"
	cp.CurrentHash = "deadbeef"
	got, _ := auditledger.ComputeHash(cp, "x")
	if got != want {
		t.Error("hash must not depend on the entry's stored hash fields")
	}
}

func TestComputeHash_mapKeyOrderIrrelevant(t *testing.T) {
	a := buildChain(t, 1)[0]
	b := a.Clone()
	b.DataAfter = auditledger.Snapshot{}
	// Re-insert keys in a different order.
	keys := []string{"tags", "round", "status", "score", "nested"}
	for _, k := range keys {
		b.DataAfter[k] = a.DataAfter[k]
	}

	ha, _ := auditledger.ComputeHash(a, "")
	hb, _ := auditledger.ComputeHash(b, "")
	if ha != hb {
		t.Error("hash changed with map insertion order")
	}
}

func TestComputeHash_everyFieldMatters(t *testing.T) {
	base := buildChain(t, 1)[0]
	want, _ := auditledger.ComputeHash(base, "")

	mutations := map[string]func(e *auditledger.Entry){
		"sequence_number": func(e *auditledger.Entry) { e.SequenceNumber = 2 },
		"action_type":     func(e *auditledger.Entry) { e.ActionType = auditledger.ActionDelete },
		"entity_type":     func(e *auditledger.Entry) { e.EntityType = "Other" },
		"entity_id":       func(e *auditledger.Entry) { e.EntityID = "other" },
		"actor_id":        func(e *auditledger.Entry) { e.ActorID = "mallory" },
		"actor_label":     func(e *auditledger.Entry) { e.ActorLabel = "Mallory" },
		"description":     func(e *auditledger.Entry) { e.Description = "edited" },
		"data_before":     func(e *auditledger.Entry) { e.DataBefore["status"] = "x" },
		"data_after":      func(e *auditledger.Entry) { e.DataAfter["status"] = "x" },
		"data_changes":    func(e *auditledger.Entry) { e.DataChanges = nil },
		"origin_address":  func(e *auditledger.Entry) { e.OriginAddress = "198.51.100.1" },
		"created_at":      func(e *auditledger.Entry) { e.CreatedAt = e.CreatedAt.Add(1000) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := base.Clone()
			mutate(e)
			got, err := auditledger.ComputeHash(e, "")
			if err != nil {
				t.Fatal(err)
			}
			if got == want {
				t.Errorf("changing %s did not change the hash", name)
			}
		})
	}
}

func TestComputeHash_previousHashMatters(t *testing.T) {
	e := buildChain(t, 1)[0]
	h1, _ := auditledger.ComputeHash(e, "")
	h2, _ := auditledger.ComputeHash(e, "abc")
	if h1 == h2 {
		t.Error("previous hash did not affect the hash")
	}
}

func TestComputeHash_nilAndEmptySnapshotDiffer(t *testing.T) {
	e := buildChain(t, 1)[0]
	e.DataBefore = nil
	h1, _ := auditledger.ComputeHash(e, "")
	e.DataBefore = auditledger.Snapshot{}
	h2, _ := auditledger.ComputeHash(e, "")
	if h1 == h2 {
		t.Error("absent and empty snapshots must hash differently")
	}
}

// Invalid bytes would be rewritten to U+FFFD by the encoder, so two
// different contents would hash alike.
// Invalid bytes would be rewritten to U+FFFD by the encoder, so two
// different contents would hash alike.
func TestComputeHash_rejectsInvalidUTF8(t *testing.T) {
	entries := make([]*auditledger.Entry, 5)
	for i := range entries {
		entries[i] = buildChain(t, 1)[0]
	}
	entries[0].Description = "set role \xff"
	entries[1].ActorLabel = "\xfe"
	entries[2].DataAfter = auditledger.Snapshot{"status": "appr\xffoved"}
	entries[3].DataBefore = auditledger.Snapshot{"\xff": 1}
	entries[4].DataChanges = auditledger.Changes{"status": {Before: "a", After: []any{"\xc3"}}}

	for i, e := range entries {
		if _, err := auditledger.ComputeHash(e, ""); !errors.Is(err, auditledger.ErrInvalidUTF8) {
			t.Errorf("entry %d: expected ErrInvalidUTF8, got %v", i, err)
		}
	}
}

func TestVerify_invalidUTF8EditDetected(t *testing.T) {
	chain := buildChain(t, 2)
	chain[1].Description = "set role \uFFFD"
	chain[1].CurrentHash, _ = auditledger.ComputeHash(chain[1], chain[1].PreviousHash)

	// A stored U+FFFD swapped for a raw invalid byte encodes identically.
	chain[1].Description = "set role \xff"
	res, err := auditledger.Verify(chain, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.BrokenAt != 2 || res.Reason != auditledger.ReasonHashMismatch {
		t.Errorf("got %+v, want hash mismatch at 2", res)
	}
}

func TestComputeHash_unencodableValue(t *testing.T) {
	e := buildChain(t, 1)[0]
	e.DataAfter = auditledger.Snapshot{"ch": make(chan int)}
	if _, err := auditledger.ComputeHash(e, ""); err == nil {
		t.Error("expected error for unencodable snapshot value")
	}
}

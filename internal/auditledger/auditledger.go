// Package auditledger implements a tamper-evident, append-only ledger of
// administrative actions.
//
// Every entry carries the hash of its predecessor (PreviousHash) and a hash
// over its own canonical content plus that predecessor hash (CurrentHash).
// The genesis entry has sequence number 1 and an empty PreviousHash. Altering
// any committed entry breaks the link to its successor, which Verify reports.
//
// The package is organised leaf-first:
//   - ComputeHash: pure hash linker over a canonical JSON encoding.
//   - Store: durable ordered storage with a conditional append primitive.
//     MemoryStore, PostgresStore, SQLiteStore and BadgerStore implement it.
//   - Writer: serialises appends, assigns sequence numbers and commits.
//   - Verify / VerifyStore: recompute hashes and report broken links.
//   - QueryService: filtered, paginated reads with optional verification.
package auditledger

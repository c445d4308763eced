// Package store provides the SQLite-backed transactional store shared by the
// ledger and the audit log.
//
// Tables:
//   - balances: per (holder, asset) non-negative amounts
//   - pools: per-asset pooled amount and its configured ceiling
//   - bridge_requests: outbound idempotency keys and issued proofs
//   - audit_log: append-only record of every cross-boundary movement
//
// # Invariants enforced by the schema
//
//   - CHECK (amount >= 0) on balances and pools: no committed state can hold a
//     negative amount, even if a caller issues an unconditional decrement.
//   - UNIQUE(external_ref) WHERE direction = 'inbound': a chain event can be
//     recorded at most once.
//   - BEFORE UPDATE / BEFORE DELETE triggers on audit_log abort: the log has no
//     mutation other than INSERT.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//   - _txlock=immediate: write transactions take the write lock at BEGIN, so
//     two transactions never deadlock upgrading a read lock
//
// Callers never serialize on an in-process lock; SQLite's write lock is the
// only serialization point.
package store

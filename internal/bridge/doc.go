// Package bridge implements the bridge-out authority: it turns an in-game
// balance into a signed attestation the on-chain verifying program accepts.
//
// Flow for one request:
//
//  1. Reject non-positive amounts.
//  2. In one transaction, reserve the request id and conditionally debit the
//     holder. A refused debit rolls the reservation back.
//  3. Build the attestation with the current wall-clock time, encode it, and
//     sign it.
//  4. On an encoding or signing fault, credit the amount back and mark the
//     request failed, in one transaction.
//  5. Mark the request issued and append the outbound audit record. Failure
//     here is logged; the debit stands because the proof exists.
//
// INVARIANTS:
//   - Nothing is signed unless a debit for it has committed.
//   - A request id debits at most once while it is pending or issued.
//   - A failed signing never leaves the holder short.
package bridge

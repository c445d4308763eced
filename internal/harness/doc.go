// Package harness runs bridge scenarios end to end against a real store,
// authority and event consumer, and records a trace for golden comparison.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: bridge_out_basic
//	description: "Debit, sign, refuse an overdraft"
//	default_ceiling: 500000        # optional
//	signer_uninitialized: false    # optional
//	setup:
//	  - action: credit
//	    args: { holder: "4vJ9...", asset: FIRE, amount: 1000 }
//	flow:
//	  - invoke: bridge_out
//	    args: { holder: "4vJ9...", asset: FIRE, amount: 400 }
//	    expect:
//	      case: issued
//	      result: { balance: 600 }
//	assertions:
//	  - type: final_state
//	    table: balances
//	    where: { asset: FIRE }
//	    expect: { amount: 600 }
//
// # Actions
//
//   - credit {holder, asset, amount}: grant in-game balance
//   - set_ceiling {asset, max_capacity}: configure a pool ceiling
//   - bridge_out {holder, asset, amount, request_id?}: issue a proof
//   - chain_event {asset, amount, reference, counterparty?, version?, kind?}: deliver a burn event
//   - balance {holder, asset}: read a balance
//   - pool {asset}: read a pool
//
// Successful reads and writes complete with case "ok". bridge_out completes
// with "issued"; chain_event with the consumer outcome. Domain errors
// complete with their error code, e.g. "INSUFFICIENT_BALANCE".
//
// # Assertion Types
//
//   - trace_contains: an action appears in the trace with matching args
//   - trace_order: actions appear in the given order
//   - trace_count: an action appears exactly N times
//   - final_state: exactly one row of a table matches and has the expected values
//   - row_count: a table has exactly N rows matching where
//
// # Deterministic Testing
//
// Every scenario runs in a fresh database with a frozen clock, sequential
// request ids and a fixed authority key, so traces are byte-identical across
// runs and can be compared against golden files.
package harness

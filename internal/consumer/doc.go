// Package consumer applies inbound chain burn events to the pool ledger.
//
// Notifications arrive from chain sources (the zmq subscriber, the HTTP
// ingest route) through Enqueue and are processed one at a time by Run.
// Each event commits as a single transaction covering the dedup lookup,
// the capacity-checked pool credit and the inbound audit record, so a
// redelivered event never credits twice and a refused event leaves no trace.
package consumer

// Package campaign implements campaign lifecycle management and the batch
// send loop.
//
// A send resolves the campaign's segment in batches, assigns A/B variants,
// renders each message and hands it to the delivery orchestrator with
// bounded concurrency. Pause and cancel are honored between batches.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package campaign

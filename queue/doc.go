// Package queue is the durable outbound message store.
//
// Every QueuedMessage holds an already encrypted envelope addressed to one
// recipient. The Store tracks its delivery status, attempt count and retry
// schedule, and persists each state change to a Backend before the call
// returns, so a crash at any point loses at most the change in progress.
//
// Three backends are provided:
//
//	OpenBolt     single-file bbolt database
//	OpenSQLite   SQLite database in WAL mode
//	MemoryBackend  process-local map, for tests and ephemeral nodes
//
// Status transitions:
//
//	pending -> in-flight          MarkInFlight (exactly one caller wins)
//	in-flight -> delivered        MarkDelivered
//	in-flight -> pending          MarkFailed (transient), MarkDeferred, Release
//	in-flight -> failed-permanent MarkFailed (permanent)
//	pending -> delivered          MarkDelivered (late acknowledgment)
//
// Messages found in-flight by Load were interrupted and return to pending.
package queue

// Package delivery implements the delivery orchestrator: the coordinator that
// gets encrypted messages from the local queue to connected peers and turns
// acknowledgments into terminal statuses.
//
// # Sending
//
// [Orchestrator.Send] encrypts the plaintext for the recipient on the crypto
// worker pool, stores only the envelope in the queue and wakes the dispatch
// loop. The outcome arrives later through [Orchestrator.OnDeliveryResult],
// exactly once per message.
//
// # Dispatch Loop
//
// [Orchestrator.Run] sleeps until the earliest retry time of a waiting
// message. Each cycle attempts the head-of-line message of every recipient,
// so a later message never overtakes an earlier one to the same peer:
//
//   - The message is claimed with queue MarkInFlight before any network
//     call. A message can only be claimed once.
//   - A recipient that is not connected gets a connect attempt and the
//     message is deferred to the next backoff tier. Every third consecutive
//     deferral counts as one failed attempt.
//   - A connected recipient gets a data frame. The message is delivered when
//     the Ack arrives; a send error, an ack timeout or a disconnect is a
//     failed attempt; a Nack fails the message permanently.
//   - After MaxAttempts failed attempts the message is failed-permanent.
//
// # Receiving
//
// Inbound data frames are decrypted on the pool. Success emits an
// [IncomingMessage] and replies with an Ack; a [crypto.DecryptionError]
// emits a [DecryptionFailure] and replies with a Nack. Message ids are
// remembered for a while so a retransmission is acknowledged again without
// being surfaced twice.
//
// # Wire Format
//
// Frames are CBOR maps with integer keys:
//
//	1: type (1 data, 2 ack, 3 nack)
//	2: message id
//	3: conversation id (data only)
//	4: envelope (data only)
//	5: reason (nack only)
package delivery

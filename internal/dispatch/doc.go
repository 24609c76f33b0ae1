// Package dispatch drains a queue of private messages at a human-like pace.
//
// A Scheduler owns one FIFO queue, one set of session counters and one live
// dashboard. Deliveries happen one at a time with a random delay between
// them; after a random number of deliveries the scheduler pauses for a random
// cooldown. Pacing is driven by timer continuations (Clock.AfterFunc), never
// by a blocked goroutine, so enqueue and stop calls are served immediately
// while a continuation is pending.
//
// Sending, dashboard rendering and randomness are injected (Sender, Display,
// Rand, Clock) so the state machine can be driven deterministically in tests.
package dispatch

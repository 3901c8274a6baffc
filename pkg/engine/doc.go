// Package engine holds the types shared by every driftwatch component: the
// resolved Target of a remote interaction, run and drift statuses, alert
// transitions and the classified EngineError.
//
// # Error Classes
//
// Every failure surfaced to callers is an *EngineError with one class:
//
//   - SecurityRejection: a command failed the whitelist or a policy denied the run
//   - TransportUnavailable: the host could not be reached, authenticated or timed out
//   - ItemFailure: one pack item failed on the host
//   - Catalog: an unknown pack or action type
//   - Conflict: the (server, pack) key is busy
//   - Validation: malformed input
//
// Sentinels such as ErrPackNotFound match by class and code:
//
//	if errors.Is(err, engine.ErrPackNotFound) {
//	    ...
//	}
//
// Class checks ignore the code:
//
//	if engine.IsTransportUnavailable(err) {
//	    // skip the rest of this server's packs
//	}
package engine

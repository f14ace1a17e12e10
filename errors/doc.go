// Package errors provides the structured error taxonomy used by every
// escrowkit command. Errors carry a code, a category that drives retry
// decisions, and optional task/offer/actor context.
//
// # Error Kinds
//
// Four permanent kinds describe why a workflow command was refused:
//
//   - NOT_FOUND: task, offer, escrow or dispute missing
//   - UNAUTHORIZED: actor does not hold the role the command requires
//   - INVALID_STATE: a status precondition does not hold
//   - INVALID_ARGUMENT: malformed input (progress out of range, empty text)
//
// The remaining codes describe infrastructure failures (lock contention,
// revision conflicts, gateway failures) and are usually retryable once the
// caller has re-read current task state.
//
// # Usage
//
//	err := errors.InvalidState("task is not open", errors.WithTaskID(taskID))
//
//	if errors.Is(err, errors.ErrCodeInvalidState) {
//	    msg := errors.UserMessage("AcceptOffer", err)
//	}
//
// # JSON Serialization
//
// Errors marshal to a stable JSON shape so API layers can return them as-is:
//
//	data, _ := json.Marshal(err)
package errors

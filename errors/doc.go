// Package errors provides standardized error handling patterns for SyncStream components.
//
// # Overview
//
// The errors package implements a three-class error classification system for
// the delivery layer: Transient (temporary, retryable), Invalid (bad input,
// non-retryable), and Fatal (unrecoverable, stop processing).
//
// Classification drives the failure policy mandated by the delivery design:
//
//   - Transient: transport unreachable, timeouts - retry with backoff at the
//     connection level, never swallow.
//   - Invalid: malformed envelopes, reserved field collisions - drop (with an
//     acknowledgment) and log, do not retry.
//   - Fatal: closed components - stop the owning loop.
//
// A special case is ErrGroupExists: recreating a consumer group that already
// exists is expected and recovered locally. Use IsGroupExists to detect it;
// it is logged at informational severity at most and never propagated to
// callers as a failure.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// For example:
//
//	if err := transport.Append(ctx, stream, fields); err != nil {
//	    return errors.WrapTransient(err, "Endpoint", "Send", "append envelope")
//	}
//
// Check classification for retry logic:
//
//	if err := op(); err != nil {
//	    if errors.IsTransient(err) {
//	        // retry with backoff (see pkg/retry)
//	    }
//	}
//
// The classification system integrates with Go's standard error handling,
// supporting errors.Is(), errors.As(), and error wrapping chains.
package errors

// Package terminal binds the logical terminals of a login to tmux streams,
// pumps their output to the login's subscribers, and implements detach and
// the atomic logout teardown.
//
// # Terminals
//
// A login has up to three terminals, addressed by the browser as "term-1",
// "term-2" and "term-3". Each maps to a fixed tmux slot ("main", "top",
// "bottom"), and the slot plus the username (and the login tag when
// [Options.PerLogin] is set) yields the remote tmux session name. Reloading
// the page re-creates the same ids and reattaches to the same remote
// sessions, so running programs survive.
//
// # Channel Lifecycle
//
//  1. [Coordinator.Create] opens one SSH channel running tmux new-session -A.
//     A pump goroutine relays stream output to the session hub as data
//     events, after a single ready event.
//
//  2. The last WebSocket of a login goes away → [Coordinator.DetachAll].
//     Every channel sends the tmux detach keys and closes; the remote
//     sessions keep running.
//
//  3. The remote shell exits → the pump publishes exactly one closed event
//     and drops the channel.
//
//  4. Logout → [Coordinator.DestroySession]. One remote command kills every
//     tmux session of the scope, then the connection closes and each
//     remaining channel reports closed once.
//
// A broken connection (keepalive failure or channel open failure) goes
// through [Coordinator.Invalidate]: channels close, subscribers receive
// session:invalid and the login leaves the registry.
//
// # Limits
//
//   - [MaxInputMessageSize] (64 KB) per client message.
//   - Window size clamped to [MaxTermCols] x [MaxTermRows] by [ClampSize].
//   - [MessageRateLimit] messages/s with a [MessageRateBurst] burst.
//
// # Log Prefixes
//
// Coordinator operations log at the [terminal] prefix.
package terminal

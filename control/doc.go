// Package control implements the command session used to drive a laser machine
// over a duplex, message oriented transport.
//
// A [Session] turns one unreliable channel into serialized, timeout bounded
// command/response exchanges. Every public operation is scheduled on the
// session's [TaskQueue], so at most one exchange is in flight and responses
// can be correlated to it without ambiguity.
//
// # Exchanges
//
// Responses are correlated through per-operation subscriptions that are always
// released when the operation settles. Three basic strategies are provided:
//
//   - any-response: the first device message settles the operation.
//   - accumulate-until-ok: messages are collected until one reports status "ok".
//   - raw-line-until-ok: raw text is joined and split into lines until a line equals "ok".
//
// # Line check
//
// In raw mode the device accepts numbered, checksummed motion commands:
//
//	N<seq><cmd>*<crc>
//
// The device acknowledges with "L<seq> 0" (or "LN<seq> 0") and requests a
// resend with "ER" or "ERL<expected>". See [FrameCommand] and [LineChecksum].
//
// # Modes
//
// The device exposes exclusive sub-protocols (raw motion, cartridge I/O and
// red laser measurement). Mode specific operations fail with [ErrModeMismatch]
// before any traffic when invoked outside of their mode.
//
// # Convergence
//
// [Session.Abort] and [Session.Quit] resend their command, or probe with
// "play report", until the device status reaches the target state or the retry
// budget is spent.
package control

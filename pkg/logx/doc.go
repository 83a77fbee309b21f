// Package logx configures queuebell's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional operator sink (min-level + rate limiting), typically a
//     Telegram chat that staff watch for delivery failures
package logx

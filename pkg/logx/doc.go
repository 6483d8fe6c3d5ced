// Package logx configures marketpulse's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional forward sink (min-level + rate limited) so high-severity
//     log lines can surface in the in-app alert queue
package logx

// Package logx configures batchq's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional alert sink on stderr (min-level + rate limiting) so a flood of
//     task failures cannot drown the terminal
package logx

// Package logx configures triggerd's structured logging.
//
// Components log through logx.Logger, a small wrapper on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File and JSON output stay structured
//   - Service.Apply swaps sinks on config reload without rebuilding loggers
package logx

// Package logx is the structured logger used across bulkdm.
//
// It wraps zerolog so that call sites stay small:
//   - console output is human readable (short timestamp and file:line caller)
//   - the optional log file gets one JSON object per line
//   - warnings and errors can be mirrored into a Telegram chat, rate limited
//
// Loggers derived from a Service follow Service.Apply, so a config reload
// changes level and sinks without re-plumbing every component.
package logx

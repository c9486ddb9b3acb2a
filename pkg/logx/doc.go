// Package logx provides structured logging on top of zerolog.
//
// It exposes a small Logger facade whose zero value is a safe no-op, plus a
// Service that owns the configured sinks (console, file) and can swap them at
// runtime via Apply().
package logx

// Package storage persists the engine's state across process restarts:
// per-tenant last-execution timestamps and the generated daily plans.
//
// Two drivers: "file" (JSON files, atomic rewrite) and "sqlite".
package storage

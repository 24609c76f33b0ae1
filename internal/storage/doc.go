// Package storage persists the per-chat member roster and the operator audit
// log. Backends: in-memory, JSON-lines files, SQLite, Postgres and Redis.
package storage

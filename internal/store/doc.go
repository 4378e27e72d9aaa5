// Package store persists coordinator state in SQLite: files and their known
// paths, the single reusable job row per file, registered nodes, versioned
// trees, and libraries with their tree bindings.
//
// The Store manages the connection, schema initialization, busy retries,
// diagnostic queries, and every status write. Job and file statuses change only
// through store_transitions.go; callers describe the target state with a
// Transition and the store applies it under a guard so a stale report from a
// reassigned node cannot overwrite newer state.
//
// Schema changes bump the version in schema.go; operators delete the database
// to adopt the new schema.
package store

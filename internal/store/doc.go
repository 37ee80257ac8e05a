// Package store records conversation transcripts using SQLite.
//
// # Data Model
//
// A Turn is one completed utterance: the conversation it belongs to, its
// 1-based sequence number, the side and persona that produced it, the full
// text, and how many fragments were streamed to produce it. Sequence
// numbers are unique per conversation.
//
// # SQLite Configuration
//
// The gateway opens the store in memory:
//
//	s, err := store.NewSQLiteStore(store.MemoryPath, logger)
//
// The pool is limited to a single connection because every connection to
// ":memory:" gets its own database. Transcripts therefore live exactly as
// long as the process. A file path also works, which is handy when
// debugging.
//
// # Testing
//
// Use NewMockStore() for unit tests. Set MockStore.SaveErr to exercise
// failure handling in callers.
package store

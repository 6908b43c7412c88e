// Package session stores the evolving per-user conversation state shared by the
// foreground orchestrator, the context window manager and the background supervisor.
//
// Invariants:
// - A pending hint always has non-empty content; SetHint rejects empty content.
// - SetHint never overwrites a pending hint; ConsumeHint reads and clears it atomically,
//   so each hint is delivered at most once.
// - Turns are addressed by ID, never by position. ArchiveSummary appends the summary and
//   removes exactly the listed turns in one step, or changes nothing.
// - Sessions are created lazily by GetOrCreate and only ever removed by idle expiry.
//
// Drivers: "memory" (tests, single process), "sqlite" (single node, durable) and
// "redis" (shared between processes, TTL-based expiry).
//
// Usage:
//
//	store, _ := session.NewStore(session.StoreTypeSQLite, session.WithSQLitePath("/tmp/sessions.db"))
//	st, _ := store.GetOrCreate(ctx, "alice", session.Profile{Persona: "mentor"})
//	turn, _ := store.AppendTurn(ctx, session.Turn{ID: "t1", UserID: st.UserID, Message: "hi", Response: "hello"})
//	_ = turn
package session

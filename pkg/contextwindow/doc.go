// Package contextwindow keeps a session's short-term buffer bounded.
//
// Each completed turn is appended, dropped again when it is small talk, and
// when the buffer grows past its limit the oldest block of turns is
// summarized into the recall list. Summarization is all-or-nothing: a failed
// summary leaves both the buffer and the recall list untouched.
//
// Memory state machine:
//
//	EMPTY -> ACCUMULATING -> (PRUNED | ACCUMULATING) -> OVERFLOW -> SUMMARIZING -> ACCUMULATING
//
// Callers must serialize RecordTurn per user.
package contextwindow

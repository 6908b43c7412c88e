// Package orchestrator runs the synchronous half of a conversation turn.
//
// HandleMessage loads the session and retrieves reference documents in
// parallel, gates the message through the safety classifier, builds the
// prompt (consuming any pending supervisor hint), streams the generated
// reply and finally records the completed turn with the context window
// manager and hands it to the background turn queue.
//
// Calls for the same user are serialized; different users proceed in
// parallel.
package orchestrator

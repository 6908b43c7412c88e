// Package agent streams text from LLM providers with priority failover.
//
// Invariants:
// - Failover to the next profile happens only before the first token is yielded.
// - A failed profile is put in cooldown; the cooldown grows with consecutive failures.
// - Tokens are yielded in provider order; an error ends the stream.
//
// Usage:
//
//	gen, _ := agent.NewGenerator(agent.Config{Profiles: profiles})
//	for token, err := range gen.Stream(ctx, agent.Request{SystemPrompt: "...", Messages: msgs}) {
//		if err != nil {
//			break
//		}
//		fmt.Print(token)
//	}
package agent

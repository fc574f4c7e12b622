// Package agent drives the per-session model/tool loop.
//
// Invariants:
// - Every state change goes through session.Transition.
// - Tool calls route through toolexecutor only.
// - Every suspension point (provider stream, tool call) observes ctx.
// - The session is checkpointed through the Saver after each transition.
//
// Usage:
//
//	loop, _ := agent.NewLoop(agent.Config{
//		Provider: agent.Chain(provider, agent.WithMetrics(), agent.WithTracing()),
//		Tools:    executor,
//		Gate:     gate,
//		Saver:    manager,
//	})
//	outcome := loop.Run(ctx, sess, "hello", agent.WithSink(sink))
package agent

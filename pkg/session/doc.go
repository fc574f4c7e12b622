// Package session holds the finite-state conversation record the agent loop
// runs against, and persists it.
//
// A Session owns a pool of messages addressed by id, one or more named
// branches over that pool (one active), the FSM state, and a dirty flag that
// tells the Manager to save it.
//
// Invariants:
// - Every message id referenced by a branch exists in the pool.
// - Sequence numbers come from one per-session counter and increase along every branch.
// - A transition outside the table fails with ErrInvalidTransition and leaves state unchanged.
// - Session ids are validated and path-safe.
//
// Usage:
//
//	store, _ := session.NewJSONLStore("/tmp/bamboo/sessions", logger)
//	mgr := session.NewManager(store, logger)
//	sess, _ := mgr.Create(ctx, session.Config{Model: "gpt-4o", Role: toolexecutor.RoleActor})
//	sess.Append(session.RoleUser, "list files in /tmp")
//	_, _ = sess.Transition(session.EventInput)
//	_ = mgr.Save(ctx, sess)
package session

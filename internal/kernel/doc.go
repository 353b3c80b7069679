// Package kernel owns the lifecycle of one kernel process and the clients
// attached to it.
//
// A Handle moves through
//
//	UNSTARTED -> STARTING -> CLIENT_READY -> BOOTSTRAPPED -> CLOSING -> CLOSED
//
// and hands out clients in two access modes. Blocking callers are
// serialized by a mutex and run process start inline. Cooperative callers
// are serialized by a context-aware semaphore; process start runs detached
// from their context so an abandoned caller never interrupts a launch that
// other callers are waiting on. Both modes share the same kernel process
// and the same lifecycle flags.
//
// Each Client owns one connection and a single reader goroutine that routes
// incoming messages to per-request mailboxes by parent msg_id (see package
// correlate). Messages for requests nobody is waiting on are dropped.
package kernel

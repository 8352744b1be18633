// Package dispatch runs tasks on behalf of the orchestrator.
// It resolves entry points through a permanent cache, allocates task ids,
// runs each task in its own goroutine with its standard streams bound through
// the stdio multiplexer, and answers waits on task completion with optional
// timeouts.
package dispatch

// Package backend defines the adapter boundary between the engine and
// whatever actually runs agent requests.
//
// An Adapter receives a fully-built request (prompt, model, tools, working
// directory, callbacks) and owns every backend-specific detail: process
// spawning, wire protocol, and streaming. The package ships a thread-safe
// Registry for looking adapters up by name and a scripted Mock used
// throughout the tests and examples.
package backend

// Package extension hosts loaded data extensions inside the broker.
//
// Each loaded module is wrapped in an Extension that owns its subscriber sets and a
// dispatcher goroutine per data source. A module signals "data ready" from any goroutine;
// the dispatcher fetches the value once and queues the same frame to every subscriber of
// that source, strictly in signal order.
//
// The Registry is filled once at startup under an exclusive lock and is read-mostly
// afterwards.
package extension

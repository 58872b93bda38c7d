// Package extension is the SDK for lumen data extensions.
//
// An extension is a Go plugin (go build -buildmode=plugin) whose main package exports
//
//	func NewModule() extension.Module
//
// The broker calls NewModule once at startup, then Init with a Host the module uses to
// announce fresh data. Data is pulled by the broker through Module.Data, once per
// signal no matter how many widgets are subscribed.
//
// Modules may signal from any goroutine. Signals for one source are delivered in order.
package extension

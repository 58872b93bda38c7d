// Package session tracks which connections have authenticated and at what access level.
//
// A session is created by a successful auth request and removed exactly once when the
// connection closes. The registry never calls out while holding its lock.
package session

// Package authcode issues and redeems one-time authentication codes.
//
// A code is a random token handed to a widget out of band. The widget presents it once
// over the data socket; the ledger forgets it on first use or on expiry. Only a keyed
// BLAKE2b digest of each token is kept in memory.
package authcode

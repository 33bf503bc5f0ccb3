// Package storage declares the state the engine keeps between commands:
// process definitions, process and element instances, conditional
// subscriptions with their scope tokens, and the key sequence.
//
// Implementations must:
//   - return ErrNotFound when one exact item is looked up and it does not exist
//   - return an empty slice when a lookup for many items finds nothing
//   - maintain the by-scope and by-catch-event subscription indices on every write
package storage

// Package core contains the mandate protocol engine: the intent, cart, and
// payment mandate entities, their state machines, the signing and storage
// contracts, and the orchestration that links them into a purchase chain.
// Storage, transport, key material, and task execution adapters depend on
// this package; core must not depend on any of them.
package core

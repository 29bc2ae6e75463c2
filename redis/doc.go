// Package redis provides Redis-backed outbox.Locker and outbox.ClaimStash implementations
// for relays running as several instances against one store.
//
// Locks are plain keys written with SET NX PX and released by a compare-and-delete script,
// so an instance never removes a lease another instance acquired after its own expired.
// Claims live in one hash per stash: the field is the owner session and the value a JSON
// document {"ids":[...],"owner":"...","expiresAt":<epoch millis>}.
package redis

// Package lock provides a distributed mutual-exclusion lock on top of a shared
// store. A Lock carries a name, a locally generated owner token and a hold
// duration; the store keeps the entry under a lease so that a crashed holder
// cannot block others forever. Release only removes the entry while it still
// records the lock's own owner token.
//
// Stores are available for memory, Redis, NATS JetStream key-value buckets and
// SQL databases through GORM. Releases can be announced over a syncbus so that
// waiting nodes retry without waiting for the next poll. KeepAlive extends the
// lease of a lock held for longer than its hold duration.
package lock

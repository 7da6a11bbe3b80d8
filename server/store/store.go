// Package store defines the remote alert store contract consumed by the
// distribution core, together with its concrete backends.
//
// The store is an append-only event log partitioned by community, plus a
// point key-value surface used by the directories and for durable watermark
// state. Tail subscriptions deliver the partition's entire existing history
// first, in insertion order, and then live appends. There is no server-side
// cursor; filtering out already-seen history is the subscriber's problem.
package store

import "context"

// Subscription is a live tail read of one partition. It must be closed when
// the observer detaches; Close is idempotent and safe on a dead subscription.
type Subscription interface {
	Close() error
}

// RecordFunc receives one wire record. Calls for a single subscription are
// serialized and arrive in insertion order.
type RecordFunc func(record map[string]any)

// Store is the abstract publish/subscribe key-value service backing the
// alert distribution core.
type Store interface {
	// Publish appends a record under the partition. The store assigns a
	// unique entry key. There is no retry or queuing; failures surface
	// verbatim to the caller.
	Publish(ctx context.Context, partition string, record map[string]any) error

	// SubscribeTail starts a tail read of the partition: all existing
	// records first, then new ones, in ascending insertion order.
	SubscribeTail(ctx context.Context, partition string, fn RecordFunc) (Subscription, error)

	KV

	// Close releases the store client and any live subscriptions.
	Close() error
}

// KV is the point lookup/write surface of the store. Used by the identity
// and community directories and for persisted observer watermarks.
type KV interface {
	// Get returns the value at path, reporting false when the path is
	// unset. An unset path is not an error.
	Get(ctx context.Context, path string) (string, bool, error)

	// Set writes the value at path, creating it if needed.
	Set(ctx context.Context, path string, value string) error
}

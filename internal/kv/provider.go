package kv

import (
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/events"
)

// Bucket is the JetStream KeyValue bucket backing the shared store.
const Bucket = "botmesh_kv"

// Provided bundles the active Store and Locker (the same object for both
// implementations).
type Provided struct {
	Store  Store
	Locker Locker
}

// Provide builds the KV layer matching the event bus: JetStream KV when the
// bus runs on NATS, otherwise the in-memory store.
func Provide(provided *events.ProvidedBus, log *logger.Logger) (*Provided, error) {
	if provided.NATS != nil {
		store, err := NewNATSStore(provided.NATS.Conn(), Bucket, log)
		if err != nil {
			return nil, err
		}
		return &Provided{Store: store, Locker: store}, nil
	}

	mem := NewMemoryStore()
	return &Provided{Store: mem, Locker: mem}, nil
}

package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts a *nats.Subscription to the bus Subscription
// interface. The nil guards let a half-constructed bus tear down cleanly.
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe removes the interest from the NATS server. Room bridges call
// this on gateway stop; it is safe after the connection is closed.
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// IsValid reports whether events can still arrive on this subscription.
func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}

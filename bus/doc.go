// Package bus carries proximity events and telemetry records between
// components.
//
// # Overview
//
// The sweeper publishes each proximity event on "proximity.<selfId>" and the
// dispatcher consumes that subject through a queue subscription. Keeping the
// two apart on a bus lets a dispatcher run in another process when the node
// uses NATS, and keeps the sweep loop from ever blocking on the network.
//
// # Available Implementations
//
//   - NATSBus: NATS-backed, for split deployments and the NATS collector
//   - MemoryBus: in-process, the default
//
// # Patterns
//
// Events, one dispatcher per message:
//
//	sub, _ := b.QueueSubscribe(proximity.Subject(selfID), "dispatchers")
//	for msg := range sub.Messages() {
//	    // decode and dispatch
//	}
//
// Request/Reply, used by the NATS telemetry transport:
//
//	reply, err := b.Request(ctx, "telemetry.records", payload)
//
// Subscription buffers are bounded. A message that finds a full buffer is
// dropped and reported through Config.OnDrop.
package bus

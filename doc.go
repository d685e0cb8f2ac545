// Package syncstream provides cross-endpoint message synchronization over
// append-only log streams with consumer groups.
//
// # Architecture
//
// SyncStream connects any number of client endpoints to a shared processing
// router through durable streams:
//
//	┌──────────┐  ┌──────────┐  ┌──────────┐
//	│ endpoint │  │ endpoint │  │ endpoint │   register sessions,
//	│  laptop  │  │  phone   │  │  tablet  │   send messages
//	└────┬─────┘  └────┬─────┘  └────┬─────┘
//	     └─────────────┼─────────────┘
//	                   ↓ append
//	        ┌─────────────────────┐
//	        │   inbound stream    │            shared, competing
//	        │     "requests"      │            consumer group
//	        └──────────┬──────────┘
//	                   ↓ read_group
//	        ┌─────────────────────┐
//	        │       router        │            processor hook +
//	        │  (session registry) │            session fan-out
//	        └──────────┬──────────┘
//	                   ↓ append to every active endpoint
//	 ┌───────────────┐ ┌───────────────┐ ┌───────────────┐
//	 │responses-     │ │responses-     │ │responses-     │
//	 │laptop         │ │phone          │ │tablet         │
//	 └───────────────┘ └───────────────┘ └───────────────┘
//
// Every endpoint a user is active on receives every result, regardless of
// which endpoint sent the triggering message. Delivery is at least once:
// entries are acknowledged only after processing and fan-out complete, so a
// crash causes redelivery rather than loss.
//
// # Packages
//
//   - stream: transport abstraction (append-only logs, consumer groups)
//   - stream/memlog: in-memory transport for tests and single-process use
//   - stream/natslog: NATS JetStream transport
//   - natsclient: connection management with circuit breaker
//   - envelope: wire schema for registrations, messages and responses
//   - session: user to endpoint-set registry (memory or JetStream KV)
//   - endpoint: client connection point with worker receive loops
//   - router: inbound consumer, processing hook and fan-out
//   - config, metric, health, errors: service plumbing
//
// The cmd/syncstream binary runs the router service; cmd/syncstream-demo
// shows multi-device fan-out end to end.
package syncstream

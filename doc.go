// Package streamswitch is a control plane for attaching live producers to
// consumer groups at runtime.
//
// A producer is any pull-based source of items: a ticker, a numeric range, a
// NATS subject or a UDP socket. Registering a producer wraps it in a pump
// behind a gate that starts open or closed. A consumer group is a fan-in of
// any number of attached wrappers feeding one sink. Attaching a wrapper to a
// group adds a link from the wrapper's fan-out to the group's fan-in;
// detaching drains that link and removes it without disturbing the other
// attachments.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│      Gateways (NATS, HTTP)          │  list, attach, detach,
//	│   request/reply control surface     │  kill, flip
//	└─────────────────────────────────────┘
//	           ↓ dispatches to
//	┌─────────────────────────────────────┐
//	│          Control Plane              │  Wrapper and group registry
//	│  (controlplane, routing)            │  Attachment bookkeeping
//	└─────────────────────────────────────┘
//	           ↓ drives
//	┌─────────────────────────────────────┐
//	│         Flow Runtime                │  Gates, fan-out, fan-in,
//	│             (flow)                  │  kill switches, drains
//	└─────────────────────────────────────┘
//
// A wrapper with two attachments looks like this:
//
//	┌──────────┐   ┌──────┐   ┌─────────┐ ──link──→ ┌────────┐   ┌──────┐
//	│ producer │ → │ gate │ → │ fan-out │           │ fan-in │ → │ sink │
//	└──────────┘   └──────┘   └─────────┘ ──link──→ └────────┘   └──────┘
//	                                                (another group)
//
// Every link carries its own kill switch. Killing a wrapper trips all of
// them and stops the pump; killing one attachment trips only its link.
//
// # Packages
//
// Core:
//   - flow: Items, producers, gates, fan-out/fan-in and the runtime
//   - routing: Wrapper and group records
//   - controlplane: The Plane API
//   - gateway: Request dispatch shared by the NATS and HTTP surfaces
//
// Infrastructure:
//   - config: Layered JSON/YAML configuration
//   - natsclient: NATS connection management
//   - metric: Prometheus metrics and the metrics listener
//   - health: Health statuses and the aggregate monitor
//   - errors: Classified errors
//
// Producers:
//   - input/natsin: NATS subject subscription
//   - input/udp: UDP socket
//
// Sinks:
//   - output/logsink: Structured log lines
//   - output/natsout: NATS publish
//   - output/file: JSONL/JSON file
//   - output/httppost: HTTP webhook
//   - output/websocket: WebSocket broadcast
//
// Utilities:
//   - pkg/buffer: Circular buffer with overflow policies
//   - pkg/retry: Exponential backoff
//   - pkg/worker: Bounded worker pool
//   - pkg/tlsutil: TLS and mTLS configuration
package streamswitch

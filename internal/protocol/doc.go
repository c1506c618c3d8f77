// Package protocol owns the V-Frame wire contract primitives.
//
// Ownership boundary:
// - closed registries (message type, flags, dtype, modality)
// - dtype-aware payload size arithmetic
// - frame- and stream-scoped error kinds
//
// Subpackages:
// - frame: single-frame codec
// - integrity: crc32, strong and legacy stream hashes
// - control: HEAD/HEART/TAIL convention
// - handshake: capability record and ping exchange
// - transform: compression and cipher pipeline
// - stream: reassembly state machine
package protocol

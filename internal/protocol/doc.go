// Package protocol owns the Erlang distribution wire contract and its shared primitives.
//
// Ownership boundary:
// - big-endian integer/string writers and readers shared by every codec
// - sentinel errors shared by the term, frame and handshake layers
//
// Sub-packages:
// - etf: External Term Format terms, incremental decoder, encoder, atom cache
// - frame: 4-byte length framing, distribution header, control messages
// - handshake: name/challenge handshake state machine
package protocol

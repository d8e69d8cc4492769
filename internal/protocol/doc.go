// Package protocol defines the typed messages exchanged between two devices.
//
// Every message travels as a frame (see package frame): a big-endian uint32
// length, a one-byte message type and TLV fields. Handshake messages and
// Encrypted travel in the clear; every other message is the plaintext of an
// Encrypted frame once the secure channel is established.
package protocol

// Package crypto provides the signing primitives used to authenticate
// federated-learning client updates.
//
// Clients hold an Ed25519 key pair. Every model update carries a token made of
// a timestamp, the client's public key and a signature over the update digest.
// The digest is a SHA3-256 hash over a canonical encoding of the update, so the
// same update always hashes to the same bytes regardless of map iteration order.
//
// # Key Management
//
// PublicKey, PrivateKey and Signature are thin byte-slice types with hex
// helpers for transport and logging. Public keys double as the device key
// enrolled in the server's device registry.
package crypto

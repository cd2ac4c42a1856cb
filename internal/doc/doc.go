// Package doc handles the opaque structured documents stored by loopd.
//
// Observations, action parameters, prompt options, host facts and resource
// data are all schemaless JSON. The store imposes no query-time structure on
// them, but they must serialize deterministically so that:
//   - the same value always produces the same stored bytes
//   - a value decoded from storage is identical to the value held in memory
//     during uninterrupted execution
//
// # Canonical form
//
// MarshalCanonical follows RFC 8785 key ordering and escaping:
//   - object keys sorted by UTF-16 code units
//   - no HTML escaping
//   - strings NFC normalized
//   - numbers kept in their textual form (json.Number), never re-rounded
//
// Normalize round-trips a Go value through the canonical form. Every value
// that ends up in iteration history passes through it, which is what makes
// history reconstructed from the database indistinguishable from history
// accumulated in memory.
package doc

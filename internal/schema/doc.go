// Package schema defines the entities mirrored from the remote service and
// their identity model.
//
// # Identity
//
// Every entity carries an ID that is either temporary or server-issued:
//
//	id := schema.NewTemporaryID() // created offline, not yet confirmed
//	id = schema.ServerID("42")    // after the server confirms the create
//
// Temporary ids live in [2^52, 2^63) and never reach the server:
// EncodeWire omits them, and the api package refuses them as targets.
//
// # Codecs
//
// EncodeWire/DecodeWire speak the server's JSON shape ("id" as string or
// number). EncodeLocal/DecodeLocal speak the Local Store's shape, where the
// identity is held in separate columns.
package schema

// Package relay is the transport-neutral request handler of agent-relay.
//
// Both the HTTP API and the queue worker parse their input into a Payload and
// call Handler.Handle, which returns an Envelope. Handle never fails: every
// outcome, including panics, is an Envelope with either a reply or a Failure.
//
// Before anything is sent to the agent service the handler rejects empty
// messages (KindValidation) and missing remote settings (KindConfig).
//
// Format is the pure mapping from a coordinator result to an Envelope. The
// Kind of a failure decides its HTTP status:
//
//	validation      400
//	timeout         504
//	remote_service  502
//	canceled        503 (logged as 499)
//	everything else 500
//
// HTTPResponse and QueueResponse render an Envelope in the wire shape of each
// transport.
//
// Every handled request is recorded as a store.Exchange and published on the
// Feed, which backs the live exchange stream.
package relay

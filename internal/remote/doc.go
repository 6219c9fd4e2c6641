// Package remote is the client for the Assistants-compatible agent service.
//
// AgentService is the only surface the rest of the relay depends on. Client
// implements it over REST; remotetest provides an in-memory fake.
package remote

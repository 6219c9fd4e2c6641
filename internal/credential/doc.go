// Package credential resolves the credential used to call the agent service.
//
// A Resolver walks an ordered list of strategies (API key, managed identity,
// then the default chain of service principal and az CLI) and keeps the first
// credential that works for the life of the process. If none works, every
// attempt is reported in a ResolutionError and the next Resolve tries again.
// Invalidate drops a credential the service rejected.
package credential

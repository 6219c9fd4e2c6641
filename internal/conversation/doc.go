// Package conversation coordinates one agent run against the remote agent
// service.
//
// # Flow
//
// Service.Send performs the steps of a run strictly in order:
//
//  1. Verify the agent exists (GET /assistants/{id})
//  2. Get or create the thread for the session key
//  3. Post the user message to the thread
//  4. Start a run for the agent
//  5. Poll the run until it reaches a terminal status
//  6. List the thread's messages and extract the reply
//
// A request with an empty session key always gets a new thread. A keyed
// request reuses the thread its key was bound to, so the agent sees the
// earlier turns.
//
// # Polling
//
// The run is polled once immediately and then every PollInterval. Polling
// stops when the run completes, reaches a failure status (failed, cancelled,
// expired, incomplete), the MaxWait budget is spent, or the caller's context
// is done. Transient service errors while polling are logged and polling
// continues. A run in requires_action is treated as still pending.
//
// The remote run is not cancelled when the budget runs out.
//
// # Errors
//
// Rejected steps wrap ErrAgentLookup, ErrThreadCreation, ErrMessageSubmission
// or ErrRunCreation.
// Outages and throttling wrap ErrRemoteService regardless of the step. Runs
// that end badly return *RunFailedError; runs still pending at the deadline
// return *RunTimedOutError. Context errors and credential resolution errors
// are returned unchanged.
//
// # Reply extraction
//
// The reply is the last text segment of the newest non-user message, which
// must belong to the completed run. If that message has no text, or the run
// wrote none, the reply is FallbackReply. Older answers in a reused thread are
// never returned.
package conversation

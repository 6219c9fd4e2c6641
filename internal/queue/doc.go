// Package queue carries relay requests over a message queue.
//
// Workers pop JSON payloads from the input list, run them through the relay
// handler and push one reply per message to the output list, matched by
// CorrelationId. Messages that cannot be parsed still get a reply, with
// CorrelationId "unknown".
//
// RedisQueue is the production implementation (BRPOP in, LPUSH out).
// MemoryQueue serves tests and single-process setups.
package queue

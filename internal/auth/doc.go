// Package auth provides optional bearer token authentication for the relay
// HTTP API.
//
// When auth.jwt_secret is set, /api/chat and /api/exchanges require an
// Authorization: Bearer header carrying an HS256 JWT signed with that secret.
// Tokens must have a sub and an exp claim; 30 seconds of clock skew are
// tolerated. Health endpoints and CORS preflights stay anonymous.
//
// Tokens are minted with JWTVerifier.Generate, which the CLI exposes as
// "agent-relay token <subject>".
//
// The verified identity is available to handlers through CallerFrom.
package auth

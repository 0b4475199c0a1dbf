// Package auth provides authentication for coven-control.
//
// # API Authentication
//
// Operators and API clients authenticate with JWT bearer tokens signed with
// HS256 using the configured auth.jwt_secret. The "sub" claim names the
// principal, which handlers read back with PrincipalID:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("alice", 30*24*time.Hour)
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(api))
//
// With no secret configured the gateway passes a nil verifier and every
// request runs as the anonymous principal.
//
// # Agent Authentication
//
// Agents present a shared token in the X-Agent-Token handshake header.
// AgentTokenVerifier compares it against either auth.agent_token in constant
// time or auth.agent_token_bcrypt. HashAgentToken produces the latter.
package auth

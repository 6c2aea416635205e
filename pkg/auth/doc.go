// Package auth verifies bearer tokens for the TCP, WebSocket, and GraphQL
// front-ends. The default implementation checks HS256 JWTs against a shared
// secret; the TokenVerifier interface keeps the scheme pluggable.
package auth

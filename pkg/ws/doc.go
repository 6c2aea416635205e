// Package ws implements the WebSocket session transport: the JSON
// text-framed analogue of the binary TCP protocol.
//
// Messages are JSON objects shaped {type: string, ...fields}. Client types
// are auth, subscribe, unsubscribe, message, and ping; server types are
// auth_success, auth_error, subscribed, unsubscribed, message, error, and
// pong. The state machine, authorisation, and error codes are the TCP
// session's: the endpoint delegates to the shared tcp.Handler and only
// translates between JSON envelopes and session operations.
package ws

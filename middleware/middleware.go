// Package middleware wraps a join handler in an onion of cross-cutting concerns.
//
// The same HandlerFunc signature is served by the dispatcher's coordinator and by
// the HTTP join client, so the chain works on both sides of the wire.
package middleware

import (
	"context"

	"game-dispatcher/message"
)

// HandlerFunc resolves one join request.
type HandlerFunc func(ctx context.Context, req *message.JoinRequest) (*message.Assignment, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

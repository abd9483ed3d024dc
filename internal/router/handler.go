package router

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/joshlong-attic/leveling-up-kafka/internal/message"
)

// Handler is the terminal consumer of routed messages. It must tolerate
// duplicates: a record can be delivered again after a failure or restart.
type Handler interface {
	Handle(ctx context.Context, payload message.Payload, headers message.Headers) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, payload message.Payload, headers message.Headers) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, payload message.Payload, headers message.Headers) error {
	return f(ctx, payload, headers)
}

// LoggingHandler prints every message and its headers.
func LoggingHandler(log zerolog.Logger) Handler {
	return HandlerFunc(func(_ context.Context, payload message.Payload, headers message.Headers) error {
		dict := zerolog.Dict()
		headers.Each(func(k string, v message.HeaderValue) bool {
			dict.Str(k, v.String())
			return true
		})
		log.Info().
			Str("payload", payload.String()).
			Dict("headers", dict).
			Msg("new message")
		return nil
	})
}

// ReceivedHandler prints each payload as "received: <payload>".
func ReceivedHandler(log zerolog.Logger) Handler {
	return HandlerFunc(func(_ context.Context, payload message.Payload, _ message.Headers) error {
		log.Info().Msg("received: " + payload.String())
		return nil
	})
}

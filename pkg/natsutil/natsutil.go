// Package natsutil provides typed NATS publish/subscribe helpers
// with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// ErrMalformed is passed to a subscriber's error hook when a payload does not
// decode.
var ErrMalformed = errors.New("natsutil: malformed message")

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NewMsg encodes v as JSON into a message for subject with the given extra
// headers and the trace context of ctx.
func NewMsg[T any](ctx context.Context, subject string, v T, hdr nats.Header) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, vs := range hdr {
		for _, s := range vs {
			msg.Header.Add(k, s)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Context returns a context carrying the trace extracted from msg.
func Context(msg *nats.Msg) context.Context {
	return otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	return PublishHeader(ctx, nc, subject, v, nil)
}

// PublishHeader is Publish with extra message headers.
func PublishHeader[T any](ctx context.Context, nc *nats.Conn, subject string, v T, hdr nats.Header) error {
	msg, err := NewMsg(ctx, subject, v, hdr)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Trace context is extracted from NATS message headers and passed to the
// handler along with the raw message. Malformed messages go to onErr when it
// is set and are otherwise dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T, *nats.Msg), onErr func(*nats.Msg, error)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, Handler(handler, onErr))
}

// Handler builds the nats.MsgHandler used by Subscribe. It is exported so
// consumers can be exercised without a server.
func Handler[T any](handler func(context.Context, T, *nats.Msg), onErr func(*nats.Msg, error)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			if onErr != nil {
				onErr(msg, errors.Join(ErrMalformed, err))
			}
			return
		}
		handler(Context(msg), v, msg)
	}
}

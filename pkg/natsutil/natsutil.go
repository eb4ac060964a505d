// Package natsutil publishes and consumes JSON messages over NATS with
// OpenTelemetry trace context carried in message headers.
package natsutil

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// headerCarrier exposes a nats.Header as an OTel TextMapCarrier. The
// header map must be non-nil; Publish and Subscribe guarantee that.
type headerCarrier nats.Header

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string { return nats.Header(c).Get(key) }

func (c headerCarrier) Set(key, val string) { nats.Header(c).Set(key, val) }

func (c headerCarrier) Keys() []string {
	if len(c) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// Publish sends v as JSON on subject, injecting the trace context from
// ctx into the message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: subject, Header: nats.Header{}, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg.Header))
	return nc.PublishMsg(msg)
}

// Subscribe delivers each JSON message on subject to handler, with the
// trace context extracted from its headers. Messages that fail to
// decode as T are dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return
		}
		h := msg.Header
		if h == nil {
			h = nats.Header{}
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), headerCarrier(h))
		handler(ctx, v)
	})
}

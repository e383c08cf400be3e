package transport

import (
	"context"
)

type Kind string

func (k Kind) String() string { return string(k) }

const (
	KindGRPC Kind = "grpc"
	KindHTTP Kind = "http"
)

type (
	serverTransportKey struct{}
	clientTransportKey struct{}
)

// Header is a read/write view over request or reply metadata.
type Header interface {
	Get(key string) string
	Set(key, value string)
	Keys() []string
}

// Transporter describes the call being served or made. It is stored in the
// context handed to middleware.
type Transporter interface {
	Kind() Kind
	// Endpoint is the advertised address of the server, or the dial target of a client.
	Endpoint() string
	// FullMethod is "/package.Service/Method" for gRPC and "METHOD /path" for HTTP.
	FullMethod() string
	// Stream reports whether the call is a streaming RPC.
	Stream() bool
	RequestHeader() Header
	ReplyHeader() Header
}

func NewServerContext(ctx context.Context, tr Transporter) context.Context {
	return context.WithValue(ctx, serverTransportKey{}, tr)
}

func FromServerContext(ctx context.Context) (tr Transporter, ok bool) {
	tr, ok = ctx.Value(serverTransportKey{}).(Transporter)
	return
}

func NewClientContext(ctx context.Context, tr Transporter) context.Context {
	return context.WithValue(ctx, clientTransportKey{}, tr)
}

func FromClientContext(ctx context.Context) (tr Transporter, ok bool) {
	tr, ok = ctx.Value(clientTransportKey{}).(Transporter)
	return
}

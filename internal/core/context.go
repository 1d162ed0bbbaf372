package core

import "context"

type contextKey string

const ctxKeyClient contextKey = "client"

// ClientInfo describes the remote end of a request for logging.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// ContextWithClient attaches the caller's address and agent to ctx.
func ContextWithClient(ctx context.Context, c ClientInfo) context.Context {
	return context.WithValue(ctx, ctxKeyClient, c)
}

// ClientFromContext returns the ClientInfo stored by ContextWithClient.
func ClientFromContext(ctx context.Context) ClientInfo {
	if c, ok := ctx.Value(ctxKeyClient).(ClientInfo); ok {
		return c
	}
	return ClientInfo{}
}

// requestFields returns log fields for a document request from ctx.
func requestFields(ctx context.Context, docID, origin string) []any {
	fields := []any{"doc_id", docID, "origin", origin}
	if c := ClientFromContext(ctx); c.IP != "" {
		fields = append(fields, "ip", c.IP)
	}
	return fields
}

package web

import (
	"context"
	"net/http"

	"github.com/JonMunkholm/gridsync/internal/core"
)

// withRequestMetadata adds the client's IP and User-Agent to ctx for
// service logging. RemoteAddr has already been resolved by TrustedRealIP.
func withRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	return core.ContextWithClient(ctx, core.ClientInfo{
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
}

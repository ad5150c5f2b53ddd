package auth

import "context"

type contextKey string

const (
	identityKey   contextKey = "auth_identity"
	clientMetaKey contextKey = "auth_client_meta"
)

type Identity struct {
	UserID int64
}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

func WithClientMeta(ctx context.Context, meta ClientMeta) context.Context {
	return context.WithValue(ctx, clientMetaKey, meta)
}

// ClientMetaFromContext returns the device/user-agent pair captured by the
// HTTP layer, or the zero value when none was recorded.
func ClientMetaFromContext(ctx context.Context) ClientMeta {
	meta, _ := ctx.Value(clientMetaKey).(ClientMeta)
	return meta
}

package shared

import "context"

type sessionContextKey struct{}

type activeOrgContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// ContextWithActiveOrg stores the resolved organization context for a request.
func ContextWithActiveOrg(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, activeOrgContextKey{}, orgID)
}

// ActiveOrgFromContext extracts the active organization id, if any.
func ActiveOrgFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(activeOrgContextKey{}).(int64)
	return id, ok
}

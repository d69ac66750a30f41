package remote

import "context"

// staticToken is a TokenSource for APIs authenticated with a fixed token
// that never expires, like the home supervisor's.
type staticToken string

// StaticToken wraps a fixed credential as a TokenSource. Refresh returns the
// same token; if the API rejects it, the error surfaces as AuthExpired.
func StaticToken(token string) TokenSource {
	return staticToken(token)
}

func (t staticToken) Token(ctx context.Context) (string, error)   { return string(t), nil }
func (t staticToken) Refresh(ctx context.Context) (string, error) { return string(t), nil }

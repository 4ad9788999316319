package credentials

import (
	"context"

	"github.com/florianilch/jigtrack/internal/credstore"
)

// ResolveAccessToken returns the access token to attach to outgoing requests.
// Resolution order: unified key, then its legacy mirror keys. Absence is the
// normal unauthenticated state and is reported only through ok.
func (m *Manager) ResolveAccessToken(ctx context.Context) (token string, ok bool) {
	token, err := m.lookup(ctx, credstore.KeyAccessToken)
	if err != nil {
		return "", false
	}
	return token, true
}

package ws

import (
	"context"
	"errors"

	"github.com/tmpanel/relay/internal/hub"
)

// Wire messages are live.Update values serialized as-is: tagged objects
// {type, data} where data carries a LiveInfo snapshot or an
// ActiveRound/PlayerSession-level delta depending on type.

// ErrBadToken means the presented token is unknown to the authorizer.
var ErrBadToken = errors.New("ws: invalid token")

// Authorizer resolves a caller's token to the set of server IDs they may
// observe. In the full console this is the session service; standalone
// deployments use the config-backed StaticAuthorizer.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (hub.Scope, error)
}

// StaticAuthorizer resolves scopes from a fixed token table.
type StaticAuthorizer struct {
	Tokens         map[string][]string
	AllowAnonymous bool
}

func (a *StaticAuthorizer) Authorize(ctx context.Context, token string) (hub.Scope, error) {
	if token != "" {
		if scope, ok := a.Tokens[token]; ok {
			return hub.Scope(scope), nil
		}
	}
	if a.AllowAnonymous {
		return hub.Scope{"*"}, nil
	}
	return nil, ErrBadToken
}

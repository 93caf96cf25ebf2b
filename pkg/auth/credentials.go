package auth

import (
	"context"
)

// KeyCredentialProvider mints join credentials locally from an API
// keypair. It satisfies the session manager's credential boundary for
// deployments that hold their own signing secret; hosted setups swap in
// a provider that calls their token service instead.
type KeyCredentialProvider struct {
	apiKey string
	secret string
}

func NewKeyCredentialProvider(apiKey, secret string) *KeyCredentialProvider {
	return &KeyCredentialProvider{
		apiKey: apiKey,
		secret: secret,
	}
}

func (p *KeyCredentialProvider) GenerateCredential(_ context.Context, room, identity string, creator bool) (string, error) {
	grant := &VideoGrant{
		RoomJoin:   true,
		RoomCreate: creator,
		Room:       room,
	}
	return NewAccessToken(p.apiKey, p.secret).
		AddGrant(grant).
		SetIdentity(identity).
		ToJWT()
}

package jwt

import "encoding/json"

// AuthMessage is the first frame a client sends over WS:
// { "type":"auth", "token":"Bearer <jwt>" }
type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// NewAuthFrame builds the auth frame for a credential, adding the Bearer wrapping when missing.
func NewAuthFrame(credential string) ([]byte, error) {
	raw, err := StripBearer(credential)
	if err != nil {
		return nil, err
	}
	return json.Marshal(AuthMessage{Type: "auth", Token: "Bearer " + raw})
}

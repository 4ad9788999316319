package credstore

// Unified storage keys.
const (
	KeyAccessToken  = "auth_token"
	KeyRefreshToken = "refresh_token"
	KeyUserData     = "user_data"
	KeySignature    = "user_signature"
)

// Mirrors maps a unified key to the legacy plain-store keys it is copied to.
// Adding or retiring a legacy key is a change to this table only.
type Mirrors map[string][]string

// DefaultMirrors is the legacy layout still read by older station builds.
var DefaultMirrors = Mirrors{
	KeyAccessToken:  {"token", "auth_token"},
	KeyRefreshToken: {"refresh_token"},
	KeyUserData:     {"user"},
}

// SessionKeys lists every unified key that belongs to a session.
var SessionKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUserData, KeySignature}

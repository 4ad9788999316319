// Package tokensource performs the refresh-token exchange against the API's
// /auth/refresh endpoint.
//
// The endpoint deviates from standard OAuth2 token refresh:
//   - Requests are JSON-encoded (standard OAuth2 uses form-encoding)
//   - The body carries only refresh_token; grant_type and client fields are rejected
//
// The exchange uses golang.org/x/oauth2 for response parsing and error
// classification, with a transport that rewrites the request body:
//
//	ex := tokensource.NewExchanger(baseURL+"/auth/refresh")
//	tok, err := ex.Exchange(ctx, refreshToken)
//
// Exchanges run on their own HTTP client, never through the request pipeline,
// so a 401 from the refresh endpoint cannot trigger another refresh.
package tokensource

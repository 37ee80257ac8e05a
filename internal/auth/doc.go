// Package auth handles credentials on both sides of the gateway.
//
// # Upstream Credentials
//
// CredentialProvider obtains the bearer token used for the generation API.
// It trades the agent key for a refresh token, trades the refresh token for
// an access token, and caches both until their JWT exp claims pass:
//
//	POST {api_base}/auth/agents/{agent_id}/token            (X-Api-Key)
//	PUT  {api_base}/auth/agents/{agent_id}/token?refresh_token=...
//
// Access tokens without an exp claim are kept for one hour. Refresh tokens
// without one are fetched again every time. Any failure drops all cached
// values so the next call starts over.
//
// # API Tokens
//
// When a jwt_secret is configured, HTTPAuthMiddleware guards the gateway's
// endpoints. Tokens are HS256 JWTs whose "sub" claim names the caller and
// whose "iss" claim is "h2h-gateway"; an exp claim is required:
//
//	verifier, _ := auth.NewJWTVerifier(secret)
//	token, _ := verifier.Generate("operator", 24*time.Hour)
//
// WithIssuer and GenerateScoped let another service mint its own tokens
// with the same code; the fake upstream signs refresh and access tokens
// this way.
//
// Browsers cannot set headers on websocket upgrades, so the middleware also
// accepts the token as a "token" query parameter.
package auth

// Package auth provides authentication for pairchat clients.
//
// # Tokens
//
// Clients authenticate with HS256 JWTs signed with the configured
// jwt_secret. The sub claim is the user ID; iss must be "pairchat" and exp
// is required. JWTVerifier.Validate is the Authenticator the session
// manager and the HTTP middleware use.
//
// # Login codes
//
// Users sign in with their phone number. OTPService issues a 6-digit code
// (bcrypt-hashed at rest, 5 minute expiry, one request per 30 seconds per
// phone, 5 wrong guesses allowed). Verifying a code does not consume it;
// the caller consumes it once the login completes, which lets a first-time
// user finish setting up their profile with the same code.
//
// # HTTP
//
// Middleware validates the Authorization bearer token and stores the user
// ID in the gin context (CurrentUser) and in the request context
// (FromContext). Credential also accepts a token query parameter for
// WebSocket upgrades.
package auth

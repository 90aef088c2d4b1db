// Package identity authenticates the services allowed to write to the
// ledger.
//
// It provides:
//   - TokenIssuer    : issues and verifies HS256 service tokens
//   - SecretVerifier : checks a service secret against its bcrypt hash
//   - RequireService : Gin middleware enforcing a Bearer service token with a scope
package identity

// Package auth issues and verifies operator bearer tokens.
//
// The daemon keeps no user database. Tokens are HS256 JWTs minted offline
// with `depoctl token` from the shared security.jwt.secret and carry one of
// two roles:
//
//   - viewer: read run state, history, recipes and the event stream
//   - operator: additionally start, pause, resume, abort and acknowledge runs
//
// When no secret is configured the API runs unauthenticated, which is only
// appropriate on an isolated bench network.
package auth

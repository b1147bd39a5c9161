// Package chequier manages chequebook requests for banking customers:
// clients register bank accounts and file requests against them, agents
// approve or reject those requests, and every security relevant action is
// audited.
//
// Authentication:
//   - JWTTokenService issues HS256 bearer tokens bound to the user email and
//     verifies them without I/O. Expiry is a hard boundary.
//   - AuthGate turns an "Authorization: Bearer <token>" header into a
//     Principal by verifying the token and resolving the subject through an
//     IdentityLookup (UserService). Roles are read from the store on every
//     call, never from the token. Nothing is kept between requests.
//
// Accounts:
//   - AccountManager keeps at most one default account per owner. The swap
//     clears the previous default and flags the new one inside one
//     transaction; postgres additionally locks the owner row and enforces a
//     partial unique index.
//
// Chequebook requests:
//   - RequestLifecycle moves requests from PENDING to CANCELLED, APPROVED or
//     REJECTED. Every write is guarded on the status that was read so two
//     concurrent transitions on the same request cannot both succeed.
//
// Audit:
//   - AuditSink receives one entry per mutating call. Sink failures are
//     logged and never reach the caller. AsyncAuditSink decouples the write
//     from the request entirely; StoreAuditSink persists entries outside the
//     business transaction.
package chequier

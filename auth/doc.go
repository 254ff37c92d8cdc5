// Package auth is the authentication core shared by the API and worker
// processes.
//
// # Components
//
//   - CredentialVerifier checks a login/password pair against the Directory
//     and returns the user or one of the closed LoginError values.
//   - SessionManager binds a SessionContext to a user id and resolves the
//     current user, logging the session out when the user vanished or lost
//     its verified state.
//   - Gate composes SessionManager and PermissionLevel and reports denial
//     through a DenyFunc.
//   - OTPIssuer generates unique one-time passwords for e-mail verification
//     and stores only their salted hash.
//   - Service wires the above together and adds registration, e-mail
//     verification and permission changes.
//
// All components are generic over Account so that host applications can
// embed User in their own type. Persistence and session transport are
// provided by the host through Directory and SessionContext.
package auth

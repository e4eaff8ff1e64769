/*
Package linkauth provides passwordless, magic-link authentication with
device-bound sessions.

The flow is the following:

 1. A user wants to sign in. They provide their email address.
 2. The request is gated by a per-(email, device) fixed-window rate limit.
 3. A single-use, time-bounded token is generated and a verification link
    is emailed to the user by Service.RequestLink().
 4. The user opens the link. Service.VerifyLink() atomically consumes the
    token; a second redemption of the same link always fails.
 5. On success a long-lived session bound to the requesting device is
    created. The session is invalidated if it is ever presented from a
    different device.
 6. Session checks are memoized by AuthStatusCache with a short TTL and
    invalidated immediately on sign-in and sign-out.

Storage is injected behind the storage.Store interface; in-memory, SQLite
and PostgreSQL implementations ship in the storage package. Mail delivery
is injected behind the Dispatcher interface.
*/
package linkauth

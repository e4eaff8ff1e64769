package linkauth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/wispberry-tech/linkauth/storage"
)

// Roles assigned to authenticated and anonymous identities.
const (
	RoleGuest = "guest"
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// RoleResolver maps an identity to a role from the static admin allow-list
// and the profile record. Deterministic and side-effect free; missing data
// yields the most restrictive applicable role, never an error.
type RoleResolver struct {
	allowList map[string]struct{}
	profiles  storage.ProfileStore
}

// NewRoleResolver creates a resolver. adminEmails are matched
// case-insensitively; profiles may be nil to disable the profile-flag check.
func NewRoleResolver(adminEmails []string, profiles storage.ProfileStore) *RoleResolver {
	allowList := make(map[string]struct{}, len(adminEmails))
	for _, email := range adminEmails {
		allowList[strings.ToLower(strings.TrimSpace(email))] = struct{}{}
	}
	return &RoleResolver{allowList: allowList, profiles: profiles}
}

// Resolve returns the role for email: admin if allow-listed or flagged on
// the profile, user for any other non-empty email, guest otherwise.
func (r *RoleResolver) Resolve(ctx context.Context, email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return RoleGuest
	}

	if _, ok := r.allowList[email]; ok {
		return RoleAdmin
	}

	if r.profiles != nil {
		profile, err := r.profiles.GetProfile(ctx, email)
		switch {
		case err == nil:
			if profile.IsAdmin {
				return RoleAdmin
			}
		case !errors.Is(err, storage.ErrProfileNotFound):
			// A store failure must not block sign-in; the user simply
			// doesn't get elevated.
			slog.Warn("Profile lookup failed during role resolution", "error", err)
		}
	}

	return RoleUser
}

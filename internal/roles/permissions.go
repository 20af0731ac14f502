package roles

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// permissionsEnvPrefix is the per-role permissions override variable prefix.
// FOREMAN_ROLE_VERIFIER_PERMISSIONS='["read","grep"]' replaces the default
// allowlist for the verifier role.
const permissionsEnvPrefix = "FOREMAN_ROLE_"

// envSegment uppercases a role id into an environment variable segment,
// mapping anything outside [A-Z0-9] to underscore.
func envSegment(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// permissionsFor returns the permission allowlist for a role, ignoring any
// malformed override. Used by Default where startup must not fail.
func permissionsFor(id string) []string {
	perms, err := permissionsForChecked(id)
	if err != nil {
		return append([]string(nil), defaultPermissions...)
	}
	return perms
}

// permissionsForChecked returns the allowlist for a role, honoring the
// environment override. Overrides are fail-closed: an unparseable value is an
// error, never a silent fallback to the default allowlist.
func permissionsForChecked(id string) ([]string, error) {
	key := permissionsEnvPrefix + envSegment(id) + "_PERMISSIONS"
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return append([]string(nil), defaultPermissions...), nil
	}
	var perms []string
	if err := json.Unmarshal([]byte(raw), &perms); err != nil {
		return nil, fmt.Errorf("%s: invalid permissions JSON: %w", key, err)
	}
	for i, p := range perms {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("%s: empty permission at index %d", key, i)
		}
	}
	return perms, nil
}

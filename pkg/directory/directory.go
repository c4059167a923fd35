// Package directory is the read-only view of the platform's identity
// and scheduling data the messaging core needs: resolving user refs,
// name/email search, and "who do I already have appointments with".
// The wider platform owns the underlying tables; nothing here writes.
package directory

import "clinichat/pkg/domain"

type Directory interface {
	GetUser(id string) (domain.UserRef, bool, error)
	// GetUsers resolves many IDs at once; missing IDs are simply
	// absent from the result map.
	GetUsers(ids []string) (map[string]domain.UserRef, error)
	// Search matches name or email case-insensitively, excluding the
	// requesting user, optionally filtered by role, capped at limit.
	Search(excludeUserID, term string, role domain.UserRole, limit int) ([]domain.UserRef, error)
	// RelatedUsers returns, for a doctor, the distinct patients with
	// an appointment on record, and vice versa for a patient. Other
	// roles get an empty list.
	RelatedUsers(userID string, role domain.UserRole) ([]domain.UserRef, error)
}

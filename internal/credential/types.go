package credential

import "time"

// Role is the clinical role a user acts under.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
)

// ValidRole reports whether r is one of the enumerated roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleDoctor, RolePatient, RoleAdmin:
		return true
	}
	return false
}

// Status is the account lifecycle state. Accounts are never deleted; audit
// entries keep referencing disabled users.
type Status string

const (
	StatusActive   Status = "active"
	StatusLocked   Status = "locked"
	StatusDisabled Status = "disabled"
)

// User is an account in the credential store.
type User struct {
	ID           string
	Username     string
	DisplayName  string
	Email        string
	Role         Role
	PasswordHash string
	MFASecret    string
	Status       Status
	LockedUntil  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Package models defines the persisted entities of the runtime: runs,
// events, checkpoints, run messages, and dependency edges, plus the
// tenancy scope that gates access to all of them.
package models

// Scope is the (org, user, project) tuple attached to every persisted
// entity. Project is optional; a nil project matches only rows whose
// project is also null, never "any project".
type Scope struct {
	OrgID     string  `json:"org_id"`
	UserID    string  `json:"user_id"`
	ProjectID *string `json:"project_id,omitempty"`
}

// Valid reports whether the mandatory scope fields are present.
func (s Scope) Valid() bool {
	return s.OrgID != "" && s.UserID != ""
}

// Equal compares two scopes, treating nil projects as a distinct value.
func (s Scope) Equal(other Scope) bool {
	if s.OrgID != other.OrgID || s.UserID != other.UserID {
		return false
	}
	if (s.ProjectID == nil) != (other.ProjectID == nil) {
		return false
	}
	return s.ProjectID == nil || *s.ProjectID == *other.ProjectID
}

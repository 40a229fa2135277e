// Package access decides which lessons a student may open.
package access

import (
	"time"

	"golang.org/x/text/cases"

	"github.com/roach88/learnsync/internal/domain"
)

// ReasonNoLicense is the denial shown when no active grant covers a lesson.
const ReasonNoLicense = "No active license for this lesson."

// Decision is the outcome of CanAccessLesson. Reason is empty when allowed.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// IsActive reports whether g is neither soft-deleted nor expired at now.
// A grant whose ValidUntil equals now is still active.
func IsActive(g domain.LicenseGrant, now time.Time) bool {
	if g.DeletedAt != nil {
		return false
	}
	return g.ValidUntil == nil || !now.After(*g.ValidUntil)
}

// ActiveGrants filters grants down to the active ones, preserving order.
func ActiveGrants(grants []domain.LicenseGrant, now time.Time) []domain.LicenseGrant {
	out := make([]domain.LicenseGrant, 0, len(grants))
	for _, g := range grants {
		if IsActive(g, now) {
			out = append(out, g)
		}
	}
	return out
}

// ForStudent keeps the grants belonging to studentID.
func ForStudent(grants []domain.LicenseGrant, studentID string) []domain.LicenseGrant {
	out := make([]domain.LicenseGrant, 0, len(grants))
	for _, g := range grants {
		if g.StudentID == studentID {
			out = append(out, g)
		}
	}
	return out
}

// CanAccessLesson allows a trial lesson unconditionally, and any other
// lesson when one of the active grants covers it. Inactive grants in the
// input are ignored.
func CanAccessLesson(lesson domain.Lesson, grants []domain.LicenseGrant, now time.Time) Decision {
	if lesson.HasTag(domain.TagTrial) {
		return Decision{Allowed: true}
	}
	for _, g := range ActiveGrants(grants, now) {
		if Covers(g.Scope, lesson) {
			return Decision{Allowed: true}
		}
	}
	return Decision{Reason: ReasonNoLicense}
}

// Covers reports whether scope includes lesson. Subjects compare
// case-insensitively; levels and curriculum subject ids compare exactly.
func Covers(scope domain.LicenseScope, lesson domain.Lesson) bool {
	switch scope.Type {
	case domain.ScopeFull:
		return true
	case domain.ScopeLevel:
		return scope.Level == lesson.Level
	case domain.ScopeSubject:
		fold := cases.Fold()
		return fold.String(scope.Subject) == fold.String(lesson.Subject)
	case domain.ScopeCurriculumSubject:
		return lesson.CurriculumSubjectID != "" && scope.CurriculumSubjectID == lesson.CurriculumSubjectID
	}
	return false
}

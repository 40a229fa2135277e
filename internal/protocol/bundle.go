package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/learnsync/internal/domain"
)

// PullBundle is the set of records changed since the cursor.
//
// A nil slice means the entity type is absent from the bundle (no change);
// an empty non-nil slice is present with no rows. Both leave local rows
// untouched under a blind-upsert merge.
type PullBundle struct {
	ServerTime         time.Time                  `json:"serverTime"`
	Users              []domain.User              `json:"users,omitempty"`
	Schools            []domain.School            `json:"schools,omitempty"`
	CurriculumSubjects []domain.CurriculumSubject `json:"curriculumSubjects,omitempty"`
	Lessons            []domain.Lesson            `json:"lessons,omitempty"`
	LessonContents     []domain.LessonContent     `json:"lessonContents,omitempty"`
	LessonAssets       []domain.LessonAsset       `json:"lessonAssets,omitempty"`
	Quizzes            []domain.Quiz              `json:"quizzes,omitempty"`
	Progress           []domain.Progress          `json:"progress,omitempty"`
	QuizAttempts       []domain.QuizAttempt       `json:"quizAttempts,omitempty"`
	Payments           []domain.Payment           `json:"payments,omitempty"`
	LicenseGrants      []domain.LicenseGrant      `json:"licenseGrants,omitempty"`
	Coupons            []domain.Coupon            `json:"coupons,omitempty"`
	Messages           []domain.Message           `json:"messages,omitempty"`
	Notifications      []domain.Notification      `json:"notifications,omitempty"`
	AuditLogs          []domain.AuditLog          `json:"auditLogs,omitempty"`
	Settings           []domain.AppSetting        `json:"settings,omitempty"`
}

// Entities lists the entity types present in the bundle, in
// domain.SyncedEntities order.
func (b *PullBundle) Entities() []domain.Entity {
	var out []domain.Entity
	for _, e := range domain.SyncedEntities {
		if b.present(e) {
			out = append(out, e)
		}
	}
	return out
}

func (b *PullBundle) present(e domain.Entity) bool {
	switch e {
	case domain.EntityUsers:
		return b.Users != nil
	case domain.EntitySchools:
		return b.Schools != nil
	case domain.EntityCurriculumSubjects:
		return b.CurriculumSubjects != nil
	case domain.EntityLessons:
		return b.Lessons != nil
	case domain.EntityLessonContents:
		return b.LessonContents != nil
	case domain.EntityLessonAssets:
		return b.LessonAssets != nil
	case domain.EntityQuizzes:
		return b.Quizzes != nil
	case domain.EntityProgress:
		return b.Progress != nil
	case domain.EntityQuizAttempts:
		return b.QuizAttempts != nil
	case domain.EntityPayments:
		return b.Payments != nil
	case domain.EntityLicenseGrants:
		return b.LicenseGrants != nil
	case domain.EntityCoupons:
		return b.Coupons != nil
	case domain.EntityMessages:
		return b.Messages != nil
	case domain.EntityNotifications:
		return b.Notifications != nil
	case domain.EntityAuditLogs:
		return b.AuditLogs != nil
	case domain.EntitySettings:
		return b.Settings != nil
	}
	return false
}

// Rows returns the records the bundle carries for e, or nil if e is absent.
func (b *PullBundle) Rows(e domain.Entity) []domain.Record {
	switch e {
	case domain.EntityUsers:
		return records(b.Users)
	case domain.EntitySchools:
		return records(b.Schools)
	case domain.EntityCurriculumSubjects:
		return records(b.CurriculumSubjects)
	case domain.EntityLessons:
		return records(b.Lessons)
	case domain.EntityLessonContents:
		return records(b.LessonContents)
	case domain.EntityLessonAssets:
		return records(b.LessonAssets)
	case domain.EntityQuizzes:
		return records(b.Quizzes)
	case domain.EntityProgress:
		return records(b.Progress)
	case domain.EntityQuizAttempts:
		return records(b.QuizAttempts)
	case domain.EntityPayments:
		return records(b.Payments)
	case domain.EntityLicenseGrants:
		return records(b.LicenseGrants)
	case domain.EntityCoupons:
		return records(b.Coupons)
	case domain.EntityMessages:
		return records(b.Messages)
	case domain.EntityNotifications:
		return records(b.Notifications)
	case domain.EntityAuditLogs:
		return records(b.AuditLogs)
	case domain.EntitySettings:
		return records(b.Settings)
	}
	return nil
}

func records[R domain.Record](rows []R) []domain.Record {
	if rows == nil {
		return nil
	}
	out := make([]domain.Record, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

// Mark makes e present in the bundle even when no rows follow.
func (b *PullBundle) Mark(e domain.Entity) {
	switch e {
	case domain.EntityUsers:
		b.Users = nonNil(b.Users)
	case domain.EntitySchools:
		b.Schools = nonNil(b.Schools)
	case domain.EntityCurriculumSubjects:
		b.CurriculumSubjects = nonNil(b.CurriculumSubjects)
	case domain.EntityLessons:
		b.Lessons = nonNil(b.Lessons)
	case domain.EntityLessonContents:
		b.LessonContents = nonNil(b.LessonContents)
	case domain.EntityLessonAssets:
		b.LessonAssets = nonNil(b.LessonAssets)
	case domain.EntityQuizzes:
		b.Quizzes = nonNil(b.Quizzes)
	case domain.EntityProgress:
		b.Progress = nonNil(b.Progress)
	case domain.EntityQuizAttempts:
		b.QuizAttempts = nonNil(b.QuizAttempts)
	case domain.EntityPayments:
		b.Payments = nonNil(b.Payments)
	case domain.EntityLicenseGrants:
		b.LicenseGrants = nonNil(b.LicenseGrants)
	case domain.EntityCoupons:
		b.Coupons = nonNil(b.Coupons)
	case domain.EntityMessages:
		b.Messages = nonNil(b.Messages)
	case domain.EntityNotifications:
		b.Notifications = nonNil(b.Notifications)
	case domain.EntityAuditLogs:
		b.AuditLogs = nonNil(b.AuditLogs)
	case domain.EntitySettings:
		b.Settings = nonNil(b.Settings)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// AddJSON decodes one stored record of entity e and appends it.
func (b *PullBundle) AddJSON(e domain.Entity, data []byte) error {
	var err error
	switch e {
	case domain.EntityUsers:
		b.Users, err = appendJSON(b.Users, data)
	case domain.EntitySchools:
		b.Schools, err = appendJSON(b.Schools, data)
	case domain.EntityCurriculumSubjects:
		b.CurriculumSubjects, err = appendJSON(b.CurriculumSubjects, data)
	case domain.EntityLessons:
		b.Lessons, err = appendJSON(b.Lessons, data)
	case domain.EntityLessonContents:
		b.LessonContents, err = appendJSON(b.LessonContents, data)
	case domain.EntityLessonAssets:
		b.LessonAssets, err = appendJSON(b.LessonAssets, data)
	case domain.EntityQuizzes:
		b.Quizzes, err = appendJSON(b.Quizzes, data)
	case domain.EntityProgress:
		b.Progress, err = appendJSON(b.Progress, data)
	case domain.EntityQuizAttempts:
		b.QuizAttempts, err = appendJSON(b.QuizAttempts, data)
	case domain.EntityPayments:
		b.Payments, err = appendJSON(b.Payments, data)
	case domain.EntityLicenseGrants:
		b.LicenseGrants, err = appendJSON(b.LicenseGrants, data)
	case domain.EntityCoupons:
		b.Coupons, err = appendJSON(b.Coupons, data)
	case domain.EntityMessages:
		b.Messages, err = appendJSON(b.Messages, data)
	case domain.EntityNotifications:
		b.Notifications, err = appendJSON(b.Notifications, data)
	case domain.EntityAuditLogs:
		b.AuditLogs, err = appendJSON(b.AuditLogs, data)
	case domain.EntitySettings:
		b.Settings, err = appendJSON(b.Settings, data)
	default:
		return fmt.Errorf("bundle: entity %q is not synced", e)
	}
	if err != nil {
		return fmt.Errorf("bundle: decode %s: %w", e, err)
	}
	return nil
}

func appendJSON[T any](rows []T, data []byte) ([]T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return rows, err
	}
	return append(rows, v), nil
}

// Len returns the total number of rows in the bundle.
func (b *PullBundle) Len() int {
	n := 0
	for _, e := range b.Entities() {
		n += len(b.Rows(e))
	}
	return n
}

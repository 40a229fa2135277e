package domain

// Entity names a table in the device store.
type Entity string

const (
	EntityUsers              Entity = "users"
	EntitySchools            Entity = "schools"
	EntityCurriculumSubjects Entity = "curriculum_subjects"
	EntityLessons            Entity = "lessons"
	EntityLessonContents     Entity = "lesson_contents"
	EntityLessonAssets       Entity = "lesson_assets"
	EntityQuizzes            Entity = "quizzes"
	EntityProgress           Entity = "progress"
	EntityQuizAttempts       Entity = "quiz_attempts"
	EntityPayments           Entity = "payments"
	EntityLicenseGrants      Entity = "license_grants"
	EntityCoupons            Entity = "coupons"
	EntityMessages           Entity = "messages"
	EntityNotifications      Entity = "notifications"
	EntityAuditLogs          Entity = "audit_logs"
	EntitySettings           Entity = "settings"

	// EntityOutbox is the local outbox table. It never appears in a pull.
	EntityOutbox Entity = "outbox_events"
)

// SyncedEntities lists every entity table that can arrive in a pull bundle,
// in a fixed order used wherever deterministic iteration matters.
var SyncedEntities = []Entity{
	EntityUsers,
	EntitySchools,
	EntityCurriculumSubjects,
	EntityLessons,
	EntityLessonContents,
	EntityLessonAssets,
	EntityQuizzes,
	EntityProgress,
	EntityQuizAttempts,
	EntityPayments,
	EntityLicenseGrants,
	EntityCoupons,
	EntityMessages,
	EntityNotifications,
	EntityAuditLogs,
	EntitySettings,
}

// Valid reports whether e is a known table.
func (e Entity) Valid() bool {
	if e == EntityOutbox {
		return true
	}
	for _, known := range SyncedEntities {
		if e == known {
			return true
		}
	}
	return false
}

// Record is any row that can be stored in an entity table.
type Record interface {
	Key() string
}

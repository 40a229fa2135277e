package domain

import (
	"strings"
	"time"
)

// Role is a user's role on the platform.
type Role string

const (
	RoleStudent     Role = "student"
	RoleTeacher     Role = "teacher"
	RoleSchoolAdmin Role = "school_admin"
	RoleSystemAdmin Role = "system_admin"
)

// IsAdmin reports whether the role may verify payments and manage coupons.
func (r Role) IsAdmin() bool {
	return r == RoleSchoolAdmin || r == RoleSystemAdmin
}

type User struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email,omitempty"`
	Role      Role       `json:"role"`
	SchoolID  string     `json:"schoolId,omitempty"`
	Level     string     `json:"level,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (u User) Key() string { return u.ID }

type School struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Region    string     `json:"region,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (s School) Key() string { return s.ID }

// CurriculumSubject is one subject of one curriculum at one level.
type CurriculumSubject struct {
	ID         string     `json:"id"`
	Curriculum string     `json:"curriculum"`
	Subject    string     `json:"subject"`
	Level      string     `json:"level"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

func (c CurriculumSubject) Key() string { return c.ID }

// TagTrial marks a lesson that every student may open without a license.
const TagTrial = "trial"

type Lesson struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Subject             string     `json:"subject"`
	Level               string     `json:"level"`
	CurriculumSubjectID string     `json:"curriculumSubjectId,omitempty"`
	Tags                []string   `json:"tags,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	DeletedAt           *time.Time `json:"deletedAt,omitempty"`
}

func (l Lesson) Key() string { return l.ID }

// HasTag reports whether the lesson carries tag, ignoring case.
func (l Lesson) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if strings.EqualFold(strings.TrimSpace(t), tag) {
			return true
		}
	}
	return false
}

type LessonContent struct {
	ID        string     `json:"id"`
	LessonID  string     `json:"lessonId"`
	Format    string     `json:"format"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (c LessonContent) Key() string { return c.ID }

// LessonAsset is a binary attachment. Some deployments never pull assets.
type LessonAsset struct {
	ID        string     `json:"id"`
	LessonID  string     `json:"lessonId"`
	Name      string     `json:"name"`
	MimeType  string     `json:"mimeType"`
	Data      []byte     `json:"data,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (a LessonAsset) Key() string { return a.ID }

type QuizQuestion struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices"`
	Answer  int      `json:"answer"`
}

type Quiz struct {
	ID        string         `json:"id"`
	LessonID  string         `json:"lessonId"`
	Questions []QuizQuestion `json:"questions"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt *time.Time     `json:"deletedAt,omitempty"`
}

func (q Quiz) Key() string { return q.ID }

// Score counts the answers that match the answer key.
func (q Quiz) Score(answers []int) int {
	score := 0
	for i, question := range q.Questions {
		if i < len(answers) && answers[i] == question.Answer {
			score++
		}
	}
	return score
}

type ProgressStatus string

const (
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
)

type Progress struct {
	ID          string         `json:"id"`
	StudentID   string         `json:"studentId"`
	LessonID    string         `json:"lessonId"`
	Status      ProgressStatus `json:"status"`
	Percent     int            `json:"percent"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	DeletedAt   *time.Time     `json:"deletedAt,omitempty"`
}

func (p Progress) Key() string { return p.ID }

// ProgressID is the natural id of a student's progress on a lesson, so that
// resubmissions from any device land on the same row.
func ProgressID(studentID, lessonID string) string {
	return studentID + ":" + lessonID
}

// QuizAttempt is append-only.
type QuizAttempt struct {
	ID        string    `json:"id"`
	StudentID string    `json:"studentId"`
	QuizID    string    `json:"quizId"`
	LessonID  string    `json:"lessonId"`
	Answers   []int     `json:"answers"`
	Score     int       `json:"score"`
	MaxScore  int       `json:"maxScore"`
	CreatedAt time.Time `json:"createdAt"`
}

func (a QuizAttempt) Key() string { return a.ID }

type PaymentMethod string

const (
	PaymentCoupon      PaymentMethod = "coupon"
	PaymentMobileMoney PaymentMethod = "mobile_money"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentVerified PaymentStatus = "verified"
)

type Payment struct {
	ID         string        `json:"id"`
	StudentID  string        `json:"studentId"`
	Method     PaymentMethod `json:"method"`
	Status     PaymentStatus `json:"status"`
	Reference  string        `json:"reference"`
	VerifiedBy string        `json:"verifiedBy,omitempty"`
	VerifiedAt *time.Time    `json:"verifiedAt,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	DeletedAt  *time.Time    `json:"deletedAt,omitempty"`
}

func (p Payment) Key() string { return p.ID }

// LicenseGrant gives a student access to the lessons its scope covers.
type LicenseGrant struct {
	ID              string       `json:"id"`
	StudentID       string       `json:"studentId"`
	Scope           LicenseScope `json:"scope"`
	ValidUntil      *time.Time   `json:"validUntil,omitempty"`
	SourcePaymentID string       `json:"sourcePaymentId,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	DeletedAt       *time.Time   `json:"deletedAt,omitempty"`
}

func (g LicenseGrant) Key() string { return g.ID }

// Coupon is keyed by its canonical code.
type Coupon struct {
	Code                 string       `json:"code"`
	Scope                LicenseScope `json:"scope"`
	ValidFrom            *time.Time   `json:"validFrom,omitempty"`
	ValidUntil           *time.Time   `json:"validUntil,omitempty"`
	MaxRedemptions       int          `json:"maxRedemptions"`
	RedeemedByStudentIDs []string     `json:"redeemedByStudentIds"`
	Active               bool         `json:"active"`
	CreatedAt            time.Time    `json:"createdAt"`
	UpdatedAt            time.Time    `json:"updatedAt"`
	DeletedAt            *time.Time   `json:"deletedAt,omitempty"`
}

func (c Coupon) Key() string { return c.Code }

// RedeemedBy reports whether studentID already redeemed the coupon.
func (c Coupon) RedeemedBy(studentID string) bool {
	for _, id := range c.RedeemedByStudentIDs {
		if id == studentID {
			return true
		}
	}
	return false
}

type Message struct {
	ID          string     `json:"id"`
	SenderID    string     `json:"senderId"`
	RecipientID string     `json:"recipientId"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

func (m Message) Key() string { return m.ID }

type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (n Notification) Key() string { return n.ID }

// AuditLog is append-only.
type AuditLog struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actorId"`
	Action     string    `json:"action"`
	EntityType Entity    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (a AuditLog) Key() string { return a.ID }

// AppSetting is keyed by its name.
type AppSetting struct {
	Name      string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s AppSetting) Key() string { return s.Name }

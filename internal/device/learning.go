package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/learnsync/internal/access"
	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/outbox"
	"github.com/roach88/learnsync/internal/store"
)

// Submission is what SubmitLesson recorded. Attempt is nil for a lesson
// without a quiz.
type Submission struct {
	Progress domain.Progress     `json:"progress"`
	Attempt  *domain.QuizAttempt `json:"attempt,omitempty"`
}

// SubmitLesson marks lessonID completed for the device user and, when the
// lesson has a quiz, records a scored attempt with answers. Both rows and the
// lesson_submit event commit together.
func (d *Device) SubmitLesson(ctx context.Context, lessonID string, answers []int) (Submission, error) {
	tables := []domain.Entity{
		domain.EntityLessons,
		domain.EntityQuizzes,
		domain.EntityProgress,
		domain.EntityQuizAttempts,
	}

	var sub Submission
	err := d.write(ctx, tables, func(tx *store.Tx) error {
		if _, err := store.Get[domain.Lesson](ctx, tx.Table(domain.EntityLessons), lessonID); err != nil {
			return err
		}

		now := d.clock.Now()
		progress := domain.Progress{
			ID:          domain.ProgressID(d.userID, lessonID),
			StudentID:   d.userID,
			LessonID:    lessonID,
			Status:      domain.ProgressCompleted,
			Percent:     100,
			CompletedAt: &now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		prev, err := store.Get[domain.Progress](ctx, tx.Table(domain.EntityProgress), progress.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			progress.CreatedAt = prev.CreatedAt
		}
		if err := tx.Table(domain.EntityProgress).Put(ctx, progress); err != nil {
			return err
		}
		sub.Progress = progress

		quiz, ok, err := quizFor(ctx, tx, lessonID)
		if err != nil {
			return err
		}
		if ok {
			attempt := domain.QuizAttempt{
				ID:        d.ids.NewID(),
				StudentID: d.userID,
				QuizID:    quiz.ID,
				LessonID:  lessonID,
				Answers:   append([]int{}, answers...),
				Score:     quiz.Score(answers),
				MaxScore:  len(quiz.Questions),
				CreatedAt: now,
			}
			if err := tx.Table(domain.EntityQuizAttempts).Add(ctx, attempt); err != nil {
				return err
			}
			sub.Attempt = &attempt
		}

		return d.enqueue(ctx, tx, outbox.LessonSubmit{Progress: progress, Attempt: sub.Attempt})
	})
	if err != nil {
		return Submission{}, fmt.Errorf("submit lesson %s: %w", lessonID, err)
	}
	return sub, nil
}

func quizFor(ctx context.Context, tx *store.Tx, lessonID string) (domain.Quiz, bool, error) {
	quizzes, err := store.All[domain.Quiz](ctx, tx.Table(domain.EntityQuizzes))
	if err != nil {
		return domain.Quiz{}, false, err
	}
	for _, q := range quizzes {
		if q.LessonID == lessonID && q.DeletedAt == nil {
			return q, true, nil
		}
	}
	return domain.Quiz{}, false, nil
}

// CheckLessonAccess evaluates access to lessonID from the local lesson and
// the device user's local grants. The answer changes after a pull merges
// new or revoked grants.
func (d *Device) CheckLessonAccess(ctx context.Context, lessonID string) (access.Decision, error) {
	var decision access.Decision
	tables := []domain.Entity{domain.EntityLessons, domain.EntityLicenseGrants}
	err := d.store.Transaction(ctx, store.ReadOnly, tables, func(tx *store.Tx) error {
		lesson, err := store.Get[domain.Lesson](ctx, tx.Table(domain.EntityLessons), lessonID)
		if err != nil {
			return err
		}
		grants, err := store.All[domain.LicenseGrant](ctx, tx.Table(domain.EntityLicenseGrants))
		if err != nil {
			return err
		}
		decision = access.CanAccessLesson(lesson, access.ForStudent(grants, d.userID), d.clock.Now())
		return nil
	})
	if err != nil {
		return access.Decision{}, fmt.Errorf("check access to %s: %w", lessonID, err)
	}
	return decision, nil
}

// Grants returns the device user's locally known grants that are active now.
func (d *Device) Grants(ctx context.Context) ([]domain.LicenseGrant, error) {
	grants, err := store.All[domain.LicenseGrant](ctx, d.store.Table(domain.EntityLicenseGrants))
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return access.ActiveGrants(access.ForStudent(grants, d.userID), d.clock.Now()), nil
}

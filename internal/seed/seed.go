// Package seed loads the reference catalog (users, schools, lessons,
// quizzes, coupons, settings) that an authority starts from.
//
// Catalogs are written in CUE and checked against an embedded schema before
// anything is decoded, so a typo in a catalog fails with a file position
// instead of producing a half-seeded authority.
package seed

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/learnsync/internal/domain"
)

//go:embed schema.cue
var schemaCUE []byte

// Error codes carried by LoadError.
const (
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeSchema      = "E201" // Catalog does not satisfy the schema
	ErrCodeReference   = "E202" // Dangling reference between records
	ErrCodeInvalid     = "E203" // Value the schema cannot express a rule for
)

// LoadError is an error in a catalog, with a CUE position when known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Catalog is a decoded, validated catalog. Maps are keyed by record key.
type Catalog struct {
	Users              map[string]domain.User              `json:"users"`
	Schools            map[string]domain.School            `json:"schools"`
	CurriculumSubjects map[string]domain.CurriculumSubject `json:"curriculumSubjects"`
	Lessons            map[string]domain.Lesson            `json:"lessons"`
	LessonContents     map[string]domain.LessonContent     `json:"lessonContents"`
	Quizzes            map[string]domain.Quiz              `json:"quizzes"`
	Coupons            map[string]domain.Coupon            `json:"coupons"`
	Settings           map[string]domain.AppSetting        `json:"settings"`
}

// Load reads a catalog from path: a single .cue file, or a directory whose
// .cue files form one CUE package.
func Load(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("catalog not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing catalog: %v", err)}
	}

	ctx := cuecontext.New()
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
		}
		return decode(ctx, ctx.CompileBytes(data, cue.Filename(path)))
	}

	files, err := Files(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no CUE files found in %s", path)}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	if inst := instances[0]; inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}
	return decode(ctx, ctx.BuildInstance(instances[0]))
}

// LoadString parses src as one catalog file named filename.
func LoadString(src, filename string) (*Catalog, error) {
	ctx := cuecontext.New()
	return decode(ctx, ctx.CompileString(src, cue.Filename(filename)))
}

func decode(ctx *cue.Context, v cue.Value) (*Catalog, error) {
	if err := v.Err(); err != nil {
		return nil, cueLoadError(ErrCodeBuildFailed, err)
	}

	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Catalog")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueLoadError(ErrCodeSchema, err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, cueLoadError(ErrCodeSchema, err)
	}
	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, &LoadError{Code: ErrCodeSchema, Message: fmt.Sprintf("decode catalog: %v", err)}
	}

	if err := cat.check(unified); err != nil {
		return nil, err
	}
	return &cat, nil
}

// cueLoadError keeps the first CUE error and its position.
func cueLoadError(code string, err error) *LoadError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}

// check enforces the cross-record rules CUE cannot state locally.
func (c *Catalog) check(v cue.Value) error {
	pos := func(parts ...string) token.Pos {
		sels := make([]cue.Selector, len(parts))
		for i, p := range parts {
			sels[i] = cue.Str(p)
		}
		return v.LookupPath(cue.MakePath(sels...)).Pos()
	}

	for _, id := range sortedKeys(c.Lessons) {
		l := c.Lessons[id]
		if l.CurriculumSubjectID == "" {
			continue
		}
		if _, ok := c.CurriculumSubjects[l.CurriculumSubjectID]; !ok {
			return &LoadError{Code: ErrCodeReference, Pos: pos("lessons", id),
				Message: fmt.Sprintf("lesson %s: unknown curriculum subject %q", id, l.CurriculumSubjectID)}
		}
	}
	for _, id := range sortedKeys(c.LessonContents) {
		if lessonID := c.LessonContents[id].LessonID; c.Lessons[lessonID].ID == "" {
			return &LoadError{Code: ErrCodeReference, Pos: pos("lessonContents", id),
				Message: fmt.Sprintf("lesson content %s: unknown lesson %q", id, lessonID)}
		}
	}
	for _, id := range sortedKeys(c.Quizzes) {
		q := c.Quizzes[id]
		if c.Lessons[q.LessonID].ID == "" {
			return &LoadError{Code: ErrCodeReference, Pos: pos("quizzes", id),
				Message: fmt.Sprintf("quiz %s: unknown lesson %q", id, q.LessonID)}
		}
		for _, question := range q.Questions {
			if question.Answer >= len(question.Choices) {
				return &LoadError{Code: ErrCodeInvalid, Pos: pos("quizzes", id),
					Message: fmt.Sprintf("quiz %s question %s: answer %d out of range", id, question.ID, question.Answer)}
			}
		}
	}
	for _, code := range sortedKeys(c.Coupons) {
		cp := c.Coupons[code]
		if cp.ValidFrom != nil && cp.ValidUntil != nil && cp.ValidUntil.Before(*cp.ValidFrom) {
			return &LoadError{Code: ErrCodeInvalid, Pos: pos("coupons", code),
				Message: fmt.Sprintf("coupon %s: validUntil before validFrom", code)}
		}
	}
	return nil
}

// Batch is the records of one entity type, ordered by key.
type Batch struct {
	Entity  domain.Entity
	Records []domain.Record
}

// Batches returns the catalog as records ready to write, stamped with now
// as creation and update time. Entity order follows domain.SyncedEntities.
func (c *Catalog) Batches(now time.Time) []Batch {
	var out []Batch
	add := func(e domain.Entity, recs []domain.Record) {
		if len(recs) > 0 {
			out = append(out, Batch{Entity: e, Records: recs})
		}
	}

	add(domain.EntityUsers, records(c.Users, func(u domain.User) domain.Record {
		u.CreatedAt, u.UpdatedAt = now, now
		return u
	}))
	add(domain.EntitySchools, records(c.Schools, func(s domain.School) domain.Record {
		s.CreatedAt, s.UpdatedAt = now, now
		return s
	}))
	add(domain.EntityCurriculumSubjects, records(c.CurriculumSubjects, func(cs domain.CurriculumSubject) domain.Record {
		cs.CreatedAt, cs.UpdatedAt = now, now
		return cs
	}))
	add(domain.EntityLessons, records(c.Lessons, func(l domain.Lesson) domain.Record {
		l.CreatedAt, l.UpdatedAt = now, now
		return l
	}))
	add(domain.EntityLessonContents, records(c.LessonContents, func(lc domain.LessonContent) domain.Record {
		lc.CreatedAt, lc.UpdatedAt = now, now
		return lc
	}))
	add(domain.EntityQuizzes, records(c.Quizzes, func(q domain.Quiz) domain.Record {
		q.CreatedAt, q.UpdatedAt = now, now
		return q
	}))
	add(domain.EntityCoupons, records(c.Coupons, func(cp domain.Coupon) domain.Record {
		if cp.RedeemedByStudentIDs == nil {
			cp.RedeemedByStudentIDs = []string{}
		}
		cp.CreatedAt, cp.UpdatedAt = now, now
		return cp
	}))
	add(domain.EntitySettings, records(c.Settings, func(s domain.AppSetting) domain.Record {
		s.UpdatedAt = now
		return s
	}))
	return out
}

// Upserter is the write side of an authority.
type Upserter interface {
	Upsert(ctx context.Context, e domain.Entity, recs ...domain.Record) error
}

// Apply writes every batch to u. Returns the number of records written.
func (c *Catalog) Apply(ctx context.Context, u Upserter, now time.Time) (int, error) {
	n := 0
	for _, b := range c.Batches(now) {
		if err := u.Upsert(ctx, b.Entity, b.Records...); err != nil {
			return n, fmt.Errorf("seed %s: %w", b.Entity, err)
		}
		n += len(b.Records)
	}
	return n, nil
}

func records[T any](m map[string]T, stamp func(T) domain.Record) []domain.Record {
	out := make([]domain.Record, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, stamp(m[k]))
	}
	return out
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsLoadError reports whether err is or wraps a *LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// Files lists the .cue files under dir.
func Files(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

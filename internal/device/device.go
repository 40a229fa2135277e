package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/learnsync/internal/clock"
	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/ids"
	"github.com/roach88/learnsync/internal/outbox"
	"github.com/roach88/learnsync/internal/store"
)

var (
	// ErrNotAdmin is returned by admin operations when the device user is
	// not a school or system admin.
	ErrNotAdmin = errors.New("user is not an admin")

	// ErrNotOwner is returned when a user acts on a record addressed to
	// someone else.
	ErrNotOwner = errors.New("record belongs to another user")

	// ErrInvalid is returned for malformed input.
	ErrInvalid = errors.New("invalid input")
)

// Device runs mutations for one user against one local store.
type Device struct {
	store  *store.Store
	queue  *outbox.Queue
	userID string
	clock  clock.Clock
	ids    ids.Generator
	logger *slog.Logger
}

// Option configures a Device.
type Option func(*Device)

// WithClock sets the clock used for record timestamps.
func WithClock(c clock.Clock) Option {
	return func(d *Device) { d.clock = c }
}

// WithIDs sets the generator for entity ids. Outbox event ids come from
// the queue's own generator.
func WithIDs(g ids.Generator) Option {
	return func(d *Device) { d.ids = g }
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.logger = l }
}

// New binds userID to the store s and its outbox q.
func New(s *store.Store, q *outbox.Queue, userID string, opts ...Option) *Device {
	d := &Device{
		store:  s,
		queue:  q,
		userID: userID,
		clock:  clock.System{},
		ids:    ids.UUIDv7Generator{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// UserID returns the signed-in user.
func (d *Device) UserID() string {
	return d.userID
}

// Store returns the local store.
func (d *Device) Store() *store.Store {
	return d.store
}

// write runs fn in a read-write transaction over tables plus the outbox.
func (d *Device) write(ctx context.Context, tables []domain.Entity, fn func(tx *store.Tx) error) error {
	scope := append(append([]domain.Entity{}, tables...), domain.EntityOutbox)
	return d.store.Transaction(ctx, store.ReadWrite, scope, fn)
}

func (d *Device) enqueue(ctx context.Context, tx *store.Tx, payloads ...outbox.Payload) error {
	for _, p := range payloads {
		if _, err := d.queue.Enqueue(ctx, tx, p); err != nil {
			return err
		}
	}
	return nil
}

// requireAdmin loads the device user inside tx and checks the role.
func (d *Device) requireAdmin(ctx context.Context, tx *store.Tx) (domain.User, error) {
	u, err := store.Get[domain.User](ctx, tx.Table(domain.EntityUsers), d.userID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, fmt.Errorf("user %s: %w", d.userID, ErrNotAdmin)
	}
	if err != nil {
		return domain.User{}, err
	}
	if !u.Role.IsAdmin() {
		return domain.User{}, fmt.Errorf("user %s (%s): %w", u.ID, u.Role, ErrNotAdmin)
	}
	return u, nil
}

// audit writes an audit row and returns it. The caller puts the row in the
// event payload; the authority stores it under the same id.
func (d *Device) audit(ctx context.Context, tx *store.Tx, action string, e domain.Entity, id, detail string) (*domain.AuditLog, error) {
	row := domain.AuditLog{
		ID:         d.ids.NewID(),
		ActorID:    d.userID,
		Action:     action,
		EntityType: e,
		EntityID:   id,
		Detail:     detail,
		CreatedAt:  d.clock.Now(),
	}
	if err := tx.Table(domain.EntityAuditLogs).Add(ctx, row); err != nil {
		return nil, err
	}
	return &row, nil
}

// RegisterUser stores u and enqueues user_register. An empty ID is
// generated; timestamps are set from the device clock.
func (d *Device) RegisterUser(ctx context.Context, u domain.User) (domain.User, error) {
	u.Name = strings.TrimSpace(u.Name)
	if u.Name == "" {
		return domain.User{}, fmt.Errorf("register user: empty name: %w", ErrInvalid)
	}
	if u.Role == "" {
		u.Role = domain.RoleStudent
	}
	if u.ID == "" {
		u.ID = d.ids.NewID()
	}
	now := d.clock.Now()
	u.CreatedAt, u.UpdatedAt = now, now

	err := d.write(ctx, []domain.Entity{domain.EntityUsers}, func(tx *store.Tx) error {
		if err := tx.Table(domain.EntityUsers).Put(ctx, u); err != nil {
			return err
		}
		return d.enqueue(ctx, tx, outbox.UserRegister{User: u})
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("register user %s: %w", u.ID, err)
	}
	d.logger.Info("user registered", "id", u.ID, "role", u.Role)
	return u, nil
}

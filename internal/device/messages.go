package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/outbox"
	"github.com/roach88/learnsync/internal/store"
)

// SendMessage stores a message from the device user and enqueues
// message_send. The recipient's notification is created by the authority.
func (d *Device) SendMessage(ctx context.Context, recipientID, body string) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if recipientID == "" || body == "" {
		return domain.Message{}, fmt.Errorf("send message: recipient and body are required: %w", ErrInvalid)
	}
	m := domain.Message{
		ID:          d.ids.NewID(),
		SenderID:    d.userID,
		RecipientID: recipientID,
		Body:        body,
		CreatedAt:   d.clock.Now(),
	}
	err := d.write(ctx, []domain.Entity{domain.EntityMessages}, func(tx *store.Tx) error {
		if err := tx.Table(domain.EntityMessages).Add(ctx, m); err != nil {
			return err
		}
		return d.enqueue(ctx, tx, outbox.MessageSend{Message: m})
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}
	return m, nil
}

// MarkNotificationRead sets ReadAt on one of the device user's
// notifications. Marking an already read notification is a no-op.
func (d *Device) MarkNotificationRead(ctx context.Context, id string) (domain.Notification, error) {
	var n domain.Notification
	err := d.write(ctx, []domain.Entity{domain.EntityNotifications}, func(tx *store.Tx) error {
		var err error
		n, err = store.Get[domain.Notification](ctx, tx.Table(domain.EntityNotifications), id)
		if err != nil {
			return err
		}
		if n.UserID != d.userID {
			return ErrNotOwner
		}
		if n.ReadAt != nil {
			return nil
		}

		now := d.clock.Now()
		n.ReadAt = &now
		n.UpdatedAt = now
		if err := tx.Table(domain.EntityNotifications).Put(ctx, n); err != nil {
			return err
		}
		return d.enqueue(ctx, tx, outbox.NotificationRead{NotificationID: n.ID, UserID: d.userID, ReadAt: now})
	})
	if err != nil {
		return domain.Notification{}, fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return n, nil
}

// Notifications lists the device user's notifications, unread first.
func (d *Device) Notifications(ctx context.Context) ([]domain.Notification, error) {
	all, err := store.All[domain.Notification](ctx, d.store.Table(domain.EntityNotifications))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	var unread, read []domain.Notification
	for _, n := range all {
		switch {
		case n.UserID != d.userID || n.DeletedAt != nil:
		case n.ReadAt == nil:
			unread = append(unread, n)
		default:
			read = append(read, n)
		}
	}
	return append(unread, read...), nil
}

// Package delivery validates a send, stores any attachment, persists the
// message and forwards it to the recipient's live connections.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/4xmen/hamsokhan/internal/attachments"
	"github.com/4xmen/hamsokhan/internal/auth"
	"github.com/4xmen/hamsokhan/internal/logging"
	"github.com/4xmen/hamsokhan/internal/models"
	"github.com/4xmen/hamsokhan/internal/presence"
	"github.com/4xmen/hamsokhan/internal/store"
)

// Directory finds the live connections of a user.
type Directory interface {
	ConnectionsOf(userID int64) []presence.Conn
}

// Notifier reaches a recipient that has no live connection.
type Notifier interface {
	NotifyMessage(ctx context.Context, senderName string, msg *models.Message)
}

type Router struct {
	store    store.MessageStore
	sink     attachments.Sink
	dir      Directory
	notifier Notifier
	log      logging.Logger
	now      func() time.Time

	// held from stamping to append so createdAt follows persist order
	appendMu sync.Mutex
}

type Option func(*Router)

func WithNotifier(n Notifier) Option {
	return func(r *Router) { r.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func NewRouter(st store.MessageStore, sink attachments.Sink, dir Directory, log logging.Logger, opts ...Option) *Router {
	if log == nil {
		log = logging.Nop()
	}
	r := &Router{
		store: st,
		sink:  sink,
		dir:   dir,
		log:   log.With("component", "delivery"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route handles one send from an authenticated user. A *RouteError means
// nothing was written. An attachment that cannot be stored is logged and the
// message goes out without it. A store failure wraps store.ErrWriteFailed and
// nothing is forwarded.
func (r *Router) Route(ctx context.Context, from auth.Identity, in Inbound) (*models.Message, error) {
	if from.UserID <= 0 {
		return nil, &RouteError{Reason: "sender is not authenticated"}
	}
	if in.Recipient <= 0 {
		return nil, &RouteError{Reason: "missing recipient"}
	}
	if in.File != nil && in.File.Data == "" {
		in.File = nil
	}
	if in.Text == "" && in.File == nil {
		return nil, &RouteError{Reason: "empty message"}
	}

	msg := &models.Message{
		Sender:    from.UserID,
		Recipient: int64(in.Recipient),
		Text:      in.Text,
	}

	if in.File != nil {
		name, err := r.sink.Store(in.File.Data, in.File.Name)
		if err != nil {
			r.log.Warn(ctx, "attachment not stored", "sender", from.UserID, "name", in.File.Name, "error", err)
		} else {
			msg.File = &name
		}
	}

	r.appendMu.Lock()
	msg.CreatedAt = r.now()
	_, err := r.store.Append(ctx, msg)
	r.appendMu.Unlock()
	if err != nil {
		if !errors.Is(err, store.ErrWriteFailed) {
			err = fmt.Errorf("%w: %v", store.ErrWriteFailed, err)
		}
		r.log.Error(ctx, "failed to save message", "sender", from.UserID, "recipient", msg.Recipient, "error", err)
		return nil, err
	}

	r.forward(ctx, from, msg)
	return msg, nil
}

func (r *Router) forward(ctx context.Context, from auth.Identity, msg *models.Message) {
	payload, err := json.Marshal(Outbound{
		Text:      msg.Text,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		File:      msg.File,
		ID:        msg.ID,
	})
	if err != nil {
		r.log.Error(ctx, "marshal message", "message_id", msg.ID, "error", err)
		return
	}

	conns := r.dir.ConnectionsOf(msg.Recipient)
	for _, c := range conns {
		if !c.Enqueue(payload) {
			r.log.Warn(ctx, "send buffer full, message only in history",
				"message_id", msg.ID, "conn_id", c.ID())
		}
	}

	if len(conns) == 0 && r.notifier != nil {
		r.notifier.NotifyMessage(ctx, from.Username, msg)
	}
}

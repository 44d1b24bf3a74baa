// Package push delivers Web Push notifications to users who are not
// connected when a message arrives for them.
package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/4xmen/hamsokhan/internal/logging"
	"github.com/4xmen/hamsokhan/internal/models"
)

var ErrInvalidSubscription = errors.New("subscription requires endpoint, p256dh and auth")

type sendFunc func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// Notifier sends Web Push notifications to subscribed users.
type Notifier struct {
	db              *sql.DB
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
	log             logging.Logger
	send            sendFunc
	wg              sync.WaitGroup
}

// NewNotifier returns nil when either VAPID key is empty; a nil *Notifier
// is safe to call and does nothing.
func NewNotifier(db *sql.DB, vapidPublicKey, vapidPrivateKey string, log logging.Logger) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Notifier{
		db:              db,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      "mailto:push@hamsokhan.local",
		log:             log.With("component", "push"),
		send:            webpush.SendNotification,
	}
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (n *Notifier) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

// Subscribe stores sub for its user. Re-subscribing an endpoint moves it to
// the new user and refreshes its keys.
func (n *Notifier) Subscribe(ctx context.Context, sub models.PushSubscription) error {
	if sub.Endpoint == "" || sub.P256dh == "" || sub.Auth == "" {
		return ErrInvalidSubscription
	}
	_, err := n.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			user_id = excluded.user_id,
			p256dh = excluded.p256dh,
			auth = excluded.auth
	`, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (n *Notifier) subscriptions(ctx context.Context, userID int64) ([]models.PushSubscription, error) {
	rows, err := n.db.QueryContext(ctx,
		"SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = ?",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		sub := models.PushSubscription{UserID: userID}
		if err := rows.Scan(&sub.Endpoint, &sub.P256dh, &sub.Auth); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// payload is the JSON structure sent inside the push notification.
type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// NotifyMessage tells every subscription of msg.Recipient that senderName
// wrote to them. Sends run in the background; Wait blocks until they finish.
func (n *Notifier) NotifyMessage(ctx context.Context, senderName string, msg *models.Message) {
	if n == nil {
		return
	}

	subs, err := n.subscriptions(ctx, msg.Recipient)
	if err != nil {
		n.log.Error(ctx, "failed to query subscriptions", "user_id", msg.Recipient, "error", err)
		return
	}
	if len(subs) == 0 {
		n.log.Debug(ctx, "no subscriptions", "user_id", msg.Recipient)
		return
	}

	body := "پیام جدید از " + senderName
	if msg.Text == "" && msg.File != nil {
		body = "فایل جدید از " + senderName
	}
	data, _ := json.Marshal(payload{Title: "پیام جدید", Body: body, URL: "/"})

	n.log.Info(ctx, "sending notifications", "user_id", msg.Recipient, "subscriptions", len(subs))
	for _, sub := range subs {
		n.wg.Add(1)
		go func(sub models.PushSubscription) {
			defer n.wg.Done()
			n.sendTo(context.WithoutCancel(ctx), sub, data)
		}(sub)
	}
}

// Wait blocks until in-flight notifications are done.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

func (n *Notifier) sendTo(ctx context.Context, sub models.PushSubscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}

	resp, err := n.send(data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      n.subscriber,
		TTL:             86400,
	})
	if err != nil {
		n.log.Warn(ctx, "send failed", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription has expired
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		if _, err := n.db.ExecContext(ctx, "DELETE FROM push_subscriptions WHERE endpoint = ?", sub.Endpoint); err != nil {
			n.log.Warn(ctx, "failed to remove expired subscription", "endpoint", sub.Endpoint, "error", err)
			return
		}
		n.log.Info(ctx, "removed expired subscription", "endpoint", sub.Endpoint, "status", resp.StatusCode)
		return
	}
	n.log.Debug(ctx, "sent", "endpoint", sub.Endpoint, "status", resp.StatusCode)
}

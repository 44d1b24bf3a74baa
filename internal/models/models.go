package models

import "time"

type User struct {
	ID       int64  `json:"_id"`
	Username string `json:"username"`
}

// Message is a persisted one-to-one message. File holds the generated
// attachment filename, or nil when there is no (or an unwritable) attachment.
type Message struct {
	ID        int64     `json:"_id"`
	Sender    int64     `json:"sender"`
	Recipient int64     `json:"recipient"`
	Text      string    `json:"text"`
	File      *string   `json:"file"`
	CreatedAt time.Time `json:"createdAt"`
}

// OnlineUser is one entry of a presence broadcast. There is one entry per live
// connection, so a user with two devices appears twice.
type OnlineUser struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

type PushSubscription struct {
	UserID   int64  `json:"-"`
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

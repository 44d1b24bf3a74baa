package delivery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// UserRef is a user id that clients may send either as a JSON number or as a
// numeric string.
type UserRef int64

func (r *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = 0
		return nil
	}

	raw := string(data)
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*r = 0
			return nil
		}
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q", raw)
	}
	*r = UserRef(id)
	return nil
}

type InboundFile struct {
	Name string `json:"name"`
	// Data is a base64 data URL or bare base64.
	Data string `json:"data"`
}

// Inbound is a send request as read off the socket.
type Inbound struct {
	Recipient UserRef      `json:"recipient"`
	Text      string       `json:"text"`
	File      *InboundFile `json:"file,omitempty"`
}

// Outbound is what every connection of the recipient receives.
type Outbound struct {
	Text      string  `json:"text"`
	Sender    int64   `json:"sender"`
	Recipient int64   `json:"recipient"`
	File      *string `json:"file"`
	ID        int64   `json:"_id"`
}

// RouteError means the send was dropped before anything was written.
type RouteError struct {
	Reason string
}

func (e *RouteError) Error() string {
	return "message dropped: " + e.Reason
}

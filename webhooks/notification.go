package webhooks

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mmdatafocus/fic_sync/utils"
)

// Notification is a parsed CloudEvents delivery.
type Notification struct {
	Type       string
	EventId    string
	OccurredAt *time.Time
	Ids        []string
}

var errMalformedNotification = errors.New("malformed notification")

type notificationBody struct {
	Type string `json:"type"`
	Id   string `json:"id"`
	Time string `json:"time"`
	Data struct {
		Ids []json.RawMessage `json:"ids"`
	} `json:"data"`
}

// ParseNotification reads CloudEvents metadata from ce-* headers (binary
// mode) or from the body (structured mode), and the resource ids from
// data.ids. Ids may be numbers or strings; duplicates are dropped. When no
// event id is present the body digest stands in for it.
func ParseNotification(header http.Header, body []byte) (Notification, error) {
	var parsed notificationBody
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return Notification{}, errMalformedNotification
	}

	n := Notification{
		Type:    firstNonEmpty(header.Get("ce-type"), parsed.Type),
		EventId: firstNonEmpty(header.Get("ce-id"), parsed.Id),
	}
	if n.Type == "" {
		return Notification{}, errMalformedNotification
	}
	n.OccurredAt = utils.ParseTimePtr(firstNonEmpty(header.Get("ce-time"), parsed.Time))
	if n.EventId == "" {
		sum := sha256.Sum256(body)
		n.EventId = "sha256:" + hex.EncodeToString(sum[:])
	}

	seen := map[string]bool{}
	for _, raw := range parsed.Data.Ids {
		id, ok := parseResourceId(raw)
		if !ok {
			return Notification{}, errMalformedNotification
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		n.Ids = append(n.Ids, id)
	}
	return n, nil
}

func parseResourceId(raw json.RawMessage) (string, bool) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil && num.String() != "" {
		if _, err := num.Int64(); err != nil {
			return "", false
		}
		return num.String(), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	return "", false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

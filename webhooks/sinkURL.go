package webhooks

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// SinkRoute is the routing information encoded in a webhook callback URL:
// /webhooks/<system>/<accountId>/<group>.
type SinkRoute struct {
	System    string
	AccountId uint
	Group     string
}

func BuildSinkURL(baseURL, system string, accountId uint, group string) string {
	return fmt.Sprintf("%s/webhooks/%s/%d/%s",
		strings.TrimRight(baseURL, "/"),
		url.PathEscape(system),
		accountId,
		url.PathEscape(group),
	)
}

// ParseSinkURL extracts the route from sink. ok is false when sink does not
// end in the expected shape or the account segment is not numeric.
func ParseSinkURL(sink string) (SinkRoute, bool) {
	u, err := url.Parse(strings.TrimSpace(sink))
	if err != nil {
		return SinkRoute{}, false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 4 {
		return SinkRoute{}, false
	}
	tail := segments[len(segments)-4:]
	if tail[0] != "webhooks" || tail[1] == "" || tail[3] == "" {
		return SinkRoute{}, false
	}
	accountId, err := strconv.ParseUint(tail[2], 10, 64)
	if err != nil || accountId == 0 {
		return SinkRoute{}, false
	}
	group, err := url.PathUnescape(tail[3])
	if err != nil {
		return SinkRoute{}, false
	}
	return SinkRoute{System: tail[1], AccountId: uint(accountId), Group: group}, true
}

// OwnRoute parses sink and accepts it only when it was issued by this
// service: same system segment and, when a public base URL is configured,
// the same host. Sinks registered by other integrations on the same
// company yield ok=false and must never be deleted or recreated.
func (c SinkConfig) OwnRoute(sink string) (SinkRoute, bool) {
	route, ok := ParseSinkURL(sink)
	if !ok {
		return SinkRoute{}, false
	}
	if c.System != "" && route.System != c.System {
		return SinkRoute{}, false
	}
	if c.PublicBaseURL != "" {
		base, err := url.Parse(c.PublicBaseURL)
		if err != nil {
			return SinkRoute{}, false
		}
		u, err := url.Parse(strings.TrimSpace(sink))
		if err != nil || !strings.EqualFold(u.Host, base.Host) {
			return SinkRoute{}, false
		}
	}
	return route, true
}

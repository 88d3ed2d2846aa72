package webhooks

import "strings"

const DefaultEventGroup = "default"

// Category tokens are checked before the positional "webhooks" fallback;
// event type strings differ across remote API versions.
var categoryGroups = []struct {
	token string
	group string
}{
	{"entities", "entity"},
	{"issued_documents", "issued_documents"},
	{"received_documents", "received_documents"},
	{"products", "products"},
	{"receipts", "receipts"},
}

// ResolveEventGroup maps a dot-delimited event type to its routing group.
// It never fails; unknown types map to "default".
func ResolveEventGroup(eventType string) string {
	segments := strings.Split(strings.TrimSpace(eventType), ".")
	for _, cg := range categoryGroups {
		for _, s := range segments {
			if s == cg.token {
				return cg.group
			}
		}
	}
	for i, s := range segments {
		if s == "webhooks" && i+1 < len(segments) && segments[i+1] != "" {
			return segments[i+1]
		}
	}
	return DefaultEventGroup
}

// GroupForTypes resolves the group implied by a registered type list, using
// the first type. ok is false for an empty list.
func GroupForTypes(types []string) (string, bool) {
	for _, t := range types {
		if strings.TrimSpace(t) != "" {
			return ResolveEventGroup(t), true
		}
	}
	return "", false
}

// GroupSource names which input decided the effective group.
type GroupSource string

const (
	GroupSourceTypes   GroupSource = "types"
	GroupSourceURL     GroupSource = "url"
	GroupSourceDefault GroupSource = "default"
)

// EffectiveGroup applies the precedence types > url > default.
func EffectiveGroup(typesGroup string, typesOK bool, urlGroup string, urlOK bool) (string, GroupSource) {
	switch {
	case typesOK:
		return typesGroup, GroupSourceTypes
	case urlOK && urlGroup != "":
		return urlGroup, GroupSourceURL
	default:
		return DefaultEventGroup, GroupSourceDefault
	}
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	DispatchModePubSub = "pubsub"
	DispatchModeLocal  = "local"
)

// Settings holds the env-driven knobs for the integration.
type Settings struct {
	APIBaseURL         string
	RateLimitPerMin    int
	PublicBaseURL      string
	WebhookSystem      string
	VerificationMethod string
	WebhookMapping     string
	RenewalLead        time.Duration
	JWTPublicKeyPEM    string
	DispatchMode       string
	ResourceSyncTopic  string
	LocalWorkers       int
	LocalQueueSize     int
	AdminJWTSecret     string
	PhoneRegion        string
}

// LoadSettings reads the environment. It fails only for values that would
// make every created subscription invalid (non-https public base URL).
func LoadSettings() (Settings, error) {
	s := Settings{
		APIBaseURL:         strDefault("FIC_API_BASE_URL", "https://api-v2.fattureincloud.it"),
		RateLimitPerMin:    intFromEnv("FIC_RATE_LIMIT_PER_MIN", 60),
		PublicBaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("WEBHOOK_PUBLIC_BASE_URL")), "/"),
		WebhookSystem:      strDefault("FIC_WEBHOOK_SYSTEM", "fic"),
		VerificationMethod: strDefault("FIC_VERIFICATION_METHOD", "header"),
		WebhookMapping:     strDefault("FIC_WEBHOOK_MAPPING", "binary"),
		RenewalLead:        time.Duration(intFromEnv("FIC_RENEWAL_LEAD_DAYS", 15)) * 24 * time.Hour,
		JWTPublicKeyPEM:    os.Getenv("FIC_WEBHOOK_JWT_PUBLIC_KEY"),
		DispatchMode:       strings.ToLower(strDefault("FIC_SYNC_DISPATCH", DispatchModePubSub)),
		ResourceSyncTopic:  strDefault("FIC_RESOURCE_SYNC_TOPIC", "fic-resource-sync"),
		LocalWorkers:       intFromEnv("FIC_LOCAL_WORKERS", 4),
		LocalQueueSize:     intFromEnv("FIC_LOCAL_QUEUE_SIZE", 256),
		AdminJWTSecret:     os.Getenv("ADMIN_JWT_SECRET"),
		PhoneRegion:        strDefault("FIC_PHONE_REGION", "IT"),
	}
	if s.RateLimitPerMin <= 0 {
		s.RateLimitPerMin = 60
	}
	if s.VerificationMethod != "header" && s.VerificationMethod != "query" {
		return s, fmt.Errorf("FIC_VERIFICATION_METHOD must be header or query, got %q", s.VerificationMethod)
	}
	if s.DispatchMode != DispatchModePubSub && s.DispatchMode != DispatchModeLocal {
		return s, fmt.Errorf("FIC_SYNC_DISPATCH must be pubsub or local, got %q", s.DispatchMode)
	}
	if s.PublicBaseURL != "" {
		u, err := url.Parse(s.PublicBaseURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return s, errors.New("WEBHOOK_PUBLIC_BASE_URL must be an absolute https URL")
		}
	}
	return s, nil
}

// EnvBool parses common truthy/falsy spellings, falling back to def.
func EnvBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func strDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

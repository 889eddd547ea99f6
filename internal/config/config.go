package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/creditmeter/backend/internal/billing"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	StripeSecretKey     string
	StripeWebhookSecret string
	// FirstPeriodCoupon is attached to an account's first subscription checkout.
	FirstPeriodCoupon string

	// AppBaseURL is the public origin the checkout and portal flows return to.
	AppBaseURL string

	Catalog           billing.Catalog
	FreeGrantCredits  int
	WebhookStaleAfter time.Duration

	// RedisURL enables the credit state cache when set.
	RedisURL       string
	CreditCacheTTL time.Duration

	// NotifyWebhookURL receives outbox notifications. Empty means log only.
	NotifyWebhookURL string

	// AdminToken guards the /api/admin routes. Empty leaves them unmounted.
	AdminToken string

	LogLevel  string
	LogFormat string
}

const (
	defaultServerAddress     = ":18111"
	defaultAppBaseURL        = "http://localhost:5173"
	defaultFreeGrantCredits  = 3
	defaultWebhookStaleAfter = 10 * time.Minute
	defaultCreditCacheTTL    = 30 * time.Second
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"

	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envFirstPeriodCoupon   = "STRIPE_FIRST_PERIOD_COUPON"
	envAppBaseURL          = "APP_BASE_URL"
	envFreeGrantCredits    = "FREE_GRANT_CREDITS"
	envWebhookStaleAfter   = "WEBHOOK_STALE_AFTER"
	envRedisURL            = "REDIS_URL"
	envCreditCacheTTL      = "CREDIT_CACHE_TTL"
	envNotifyWebhookURL    = "NOTIFY_WEBHOOK_URL"
	envAdminToken          = "ADMIN_API_TOKEN"
	envLogLevel            = "LOG_LEVEL"
	envLogFormat           = "LOG_FORMAT"
)

var defaultPlanCredits = map[models.PlanKey]int{
	models.PlanTier1: 50,
	models.PlanTier2: 200,
	models.PlanTier3: 1000,
}

var defaultAddonCredits = map[string]int{
	"small": 25,
	"large": 100,
}

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         strings.TrimSpace(os.Getenv(envDatabaseURL)),
		StripeSecretKey:     os.Getenv(envStripeSecretKey),
		StripeWebhookSecret: os.Getenv(envStripeWebhookSecret),
		FirstPeriodCoupon:   os.Getenv(envFirstPeriodCoupon),
		AppBaseURL:          strings.TrimRight(firstNonEmpty(os.Getenv(envAppBaseURL), defaultAppBaseURL), "/"),
		RedisURL:            os.Getenv(envRedisURL),
		NotifyWebhookURL:    os.Getenv(envNotifyWebhookURL),
		AdminToken:          strings.TrimSpace(os.Getenv(envAdminToken)),
		LogLevel:            strings.ToLower(firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel)),
		LogFormat:           strings.ToLower(firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat)),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if err := validateDatabaseURL(cfg.DatabaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envDatabaseURL, err)
	}
	if _, err := url.ParseRequestURI(cfg.AppBaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envAppBaseURL, err)
	}

	var err error
	if cfg.FreeGrantCredits, err = intEnv(envFreeGrantCredits, defaultFreeGrantCredits); err != nil {
		return Config{}, err
	}
	if cfg.FreeGrantCredits < 0 {
		return Config{}, fmt.Errorf("%s cannot be negative", envFreeGrantCredits)
	}
	if cfg.WebhookStaleAfter, err = durationEnv(envWebhookStaleAfter, defaultWebhookStaleAfter); err != nil {
		return Config{}, err
	}
	if cfg.CreditCacheTTL, err = durationEnv(envCreditCacheTTL, defaultCreditCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.Catalog, err = loadCatalog(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// BillingOptions derives the billing service options.
func (c Config) BillingOptions() billing.Options {
	return billing.Options{
		FreeGrantCredits:    c.FreeGrantCredits,
		WebhookStaleAfter:   c.WebhookStaleAfter,
		SuccessURL:          c.AppBaseURL + "/billing/success",
		CancelURL:           c.AppBaseURL + "/billing/cancel",
		PortalReturnURL:     c.AppBaseURL + "/billing",
		FirstPeriodCouponID: c.FirstPeriodCoupon,
	}
}

func loadCatalog() (billing.Catalog, error) {
	var catalog billing.Catalog
	seen := make(map[string]string)

	for _, key := range []models.PlanKey{models.PlanTier1, models.PlanTier2, models.PlanTier3} {
		prefix := "PLAN_" + strings.ToUpper(string(key))
		credits, err := intEnv(prefix+"_CREDITS", defaultPlanCredits[key])
		if err != nil {
			return billing.Catalog{}, err
		}
		if credits <= 0 {
			return billing.Catalog{}, fmt.Errorf("%s_CREDITS must be positive", prefix)
		}
		priceID := strings.TrimSpace(os.Getenv(prefix + "_PRICE_ID"))
		if err := claimPrice(seen, priceID, prefix); err != nil {
			return billing.Catalog{}, err
		}
		catalog.Plans = append(catalog.Plans, billing.Plan{Key: key, PriceID: priceID, MonthlyCredits: credits})
	}

	for _, key := range []string{"small", "large"} {
		prefix := "ADDON_" + strings.ToUpper(key)
		credits, err := intEnv(prefix+"_CREDITS", defaultAddonCredits[key])
		if err != nil {
			return billing.Catalog{}, err
		}
		if credits <= 0 {
			return billing.Catalog{}, fmt.Errorf("%s_CREDITS must be positive", prefix)
		}
		priceID := strings.TrimSpace(os.Getenv(prefix + "_PRICE_ID"))
		if err := claimPrice(seen, priceID, prefix); err != nil {
			return billing.Catalog{}, err
		}
		catalog.Addons = append(catalog.Addons, billing.Addon{Key: key, PriceID: priceID, Credits: credits})
	}

	return catalog, nil
}

// claimPrice rejects a price id configured for two products.
func claimPrice(seen map[string]string, priceID, owner string) error {
	if priceID == "" {
		return nil
	}
	if other, ok := seen[priceID]; ok {
		return fmt.Errorf("price %s configured for both %s and %s", priceID, other, owner)
	}
	seen[priceID] = owner
	return nil
}

func validateDatabaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host")
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		return fmt.Errorf("missing database name")
	}
	return nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	// Scheduling
	BusinessTimezone    string
	DefaultSlotDuration time.Duration

	// Reminders
	ReminderTickInterval  time.Duration
	ReminderCatchUpWindow time.Duration
	ReminderInProcess     bool

	// Privacy consent
	PrivacyNoticeURL string

	// Conversational agent
	BotEnabled             bool
	FallbackMessageEnabled bool
	SessionTimeout         time.Duration
	HistoryCap             int
	GeminiAPIKey           string
	GeminiModelID          string

	// Session store
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// WhatsApp providers
	WhatsAppProvider    string
	MetaAccessToken     string
	MetaPhoneNumberID   string
	MetaAPIVersion      string
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioFromNumber    string
	WebhookVerifyToken  string
	WebhookAppSecret    string
	SessionWindowLength time.Duration
	TemplateLocales     []string
	DefaultCountryCode  string
	OutboundTimeout     time.Duration

	// Calendar sync
	CalendarSyncEnabled  bool
	GoogleClientID       string
	GoogleClientSecret   string
	CalendarRefreshSkew  time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		BusinessTimezone:    getEnv("BUSINESS_TIMEZONE", "America/Mexico_City"),
		DefaultSlotDuration: getEnvAsDuration("DEFAULT_SLOT_DURATION", 30*time.Minute),

		ReminderTickInterval:  getEnvAsDuration("REMINDER_TICK_INTERVAL", time.Minute),
		ReminderCatchUpWindow: getEnvAsDuration("REMINDER_CATCHUP_WINDOW", 6*time.Hour),
		ReminderInProcess:     getEnvAsBool("REMINDER_IN_PROCESS", true),

		PrivacyNoticeURL: getEnv("PRIVACY_NOTICE_URL", "https://citamed.mx/aviso-de-privacidad"),

		BotEnabled:             getEnvAsBool("BOT_ENABLED", true),
		FallbackMessageEnabled: getEnvAsBool("FALLBACK_MESSAGE_ENABLED", true),
		SessionTimeout:         getEnvAsDuration("SESSION_TIMEOUT", 30*time.Minute),
		HistoryCap:             getEnvAsInt("HISTORY_CAP", 20),
		GeminiAPIKey:           getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:          getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		WhatsAppProvider:    strings.ToLower(strings.TrimSpace(getEnv("WHATSAPP_PROVIDER", "auto"))),
		MetaAccessToken:     getEnv("META_ACCESS_TOKEN", ""),
		MetaPhoneNumberID:   getEnv("META_PHONE_NUMBER_ID", ""),
		MetaAPIVersion:      getEnv("META_API_VERSION", "v21.0"),
		TwilioAccountSID:    getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:    getEnv("TWILIO_FROM_NUMBER", ""),
		WebhookVerifyToken:  getEnv("WEBHOOK_VERIFY_TOKEN", ""),
		WebhookAppSecret:    getEnv("WEBHOOK_APP_SECRET", ""),
		SessionWindowLength: getEnvAsDuration("SESSION_WINDOW_LENGTH", 24*time.Hour),
		TemplateLocales:     getEnvAsList("TEMPLATE_LOCALES", []string{"es", "es_MX", "es_ES", "es_AR", "en_US"}),
		DefaultCountryCode:  getEnv("DEFAULT_COUNTRY_CODE", "52"),
		OutboundTimeout:     getEnvAsDuration("OUTBOUND_TIMEOUT", 10*time.Second),

		CalendarSyncEnabled: getEnvAsBool("CALENDAR_SYNC_ENABLED", false),
		GoogleClientID:      getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:  getEnv("GOOGLE_CLIENT_SECRET", ""),
		CalendarRefreshSkew: getEnvAsDuration("CALENDAR_REFRESH_SKEW", 5*time.Minute),
	}
}

// IsProduction reports whether the service runs with production hardening.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the main server.
// It is loaded once at startup and handed to components at construction;
// nothing reads the environment after Validate returns.
type Profile struct {
	// Server
	Mode    string // "prod", "dev" or "demo"
	Addr    string
	Port    int
	Data    string
	Version string

	// Secret used to verify bearer credentials issued by the auth service.
	Secret string

	// Storage
	Driver string // "postgres" or "sqlite"
	DSN    string

	// Presence backing store. Empty RedisAddr degrades presence to
	// conservative in-process answers.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   int // seconds, default 300

	// Event bus. "store" uses the durable database-backed queue,
	// "memory" keeps envelopes in process (dev/test only).
	BusMode            string
	BusMaxAttempts     int // attempts before dead-letter, default 5
	BusBackoffSeconds  int // initial retry backoff, default 2
	BusDrainSeconds    int // consumer shutdown grace period, default 20
	BusPollMillis      int // claim polling interval for the store queue, default 250
	BusConsumerWorkers int // competing consumers per topic, default 4

	// LLM (OpenAI-compatible protocol regardless of provider)
	LLMProvider    string
	LLMAPIKey      string
	LLMBaseURL     string
	LLMModel       string
	LLMTemperature float64
	LLMMaxTokens   int
	LLMTimeout     int // seconds, default 60

	// Classifier cascade
	ClassifierHeuristicThreshold float64 // default 0.85
	ClassifierLearnedThreshold   float64 // default 0.70
	ClassifierTimeout            int     // seconds, LLM tier deadline, default 10
	ClassifierModelPath          string  // learned-model artifact; empty uses the embedded default

	// Orchestration
	HistoryDepth    int    // conversation context window, default 10
	DeliveryMode    string // "bus" or "callback"
	CallbackBaseURL string // gateway base URL for callback delivery
	CallbackToken   string // service credential presented on callbacks
	CallbackTimeout int    // seconds, default 30

	// Gateway
	RateLimitPerUser  float64 // SendMessage calls per second per user, default 5
	RateLimitBurst    int     // default 10
	AllowedOrigins    []string
	MaxFileSizeBytes  int64 // attachment metadata validation, default 50 MiB
	AllowedExtensions []string
	AllowedMimeTypes  []string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled reports whether an LLM credential is configured. Without
// one the orchestrator still runs, but every turn produces the
// configuration-error assistant message.
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMAPIKey != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// FromEnv loads the settings that are not bound to CLI flags.
func (p *Profile) FromEnv() {
	p.Secret = getEnvOrDefault("CODEFORGE_SECRET", p.Secret)

	p.RedisAddr = getEnvOrDefault("CODEFORGE_REDIS_ADDR", "")
	p.RedisPassword = getEnvOrDefault("CODEFORGE_REDIS_PASSWORD", "")
	p.RedisDB = getEnvOrDefaultInt("CODEFORGE_REDIS_DB", 0)
	p.PresenceTTL = getEnvOrDefaultInt("CODEFORGE_PRESENCE_TTL_SECONDS", 300)

	p.BusMode = getEnvOrDefault("CODEFORGE_BUS_MODE", "store")
	p.BusMaxAttempts = getEnvOrDefaultInt("CODEFORGE_BUS_MAX_ATTEMPTS", 5)
	p.BusBackoffSeconds = getEnvOrDefaultInt("CODEFORGE_BUS_BACKOFF_SECONDS", 2)
	p.BusDrainSeconds = getEnvOrDefaultInt("CODEFORGE_BUS_DRAIN_SECONDS", 20)
	p.BusPollMillis = getEnvOrDefaultInt("CODEFORGE_BUS_POLL_MILLIS", 250)
	p.BusConsumerWorkers = getEnvOrDefaultInt("CODEFORGE_BUS_CONSUMER_WORKERS", 4)

	p.LLMProvider = getEnvOrDefault("CODEFORGE_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("CODEFORGE_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("CODEFORGE_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("CODEFORGE_LLM_MODEL", "")
	p.LLMTemperature = getEnvOrDefaultFloat("CODEFORGE_LLM_TEMPERATURE", 0.7)
	p.LLMMaxTokens = getEnvOrDefaultInt("CODEFORGE_LLM_MAX_TOKENS", 2048)
	p.LLMTimeout = getEnvOrDefaultInt("CODEFORGE_LLM_TIMEOUT_SECONDS", 60)

	p.ClassifierHeuristicThreshold = getEnvOrDefaultFloat("CODEFORGE_CLASSIFIER_HEURISTIC_THRESHOLD", 0.85)
	p.ClassifierLearnedThreshold = getEnvOrDefaultFloat("CODEFORGE_CLASSIFIER_LEARNED_THRESHOLD", 0.70)
	p.ClassifierTimeout = getEnvOrDefaultInt("CODEFORGE_CLASSIFIER_TIMEOUT_SECONDS", 10)
	p.ClassifierModelPath = getEnvOrDefault("CODEFORGE_CLASSIFIER_MODEL_PATH", "")

	p.HistoryDepth = getEnvOrDefaultInt("CODEFORGE_ORCHESTRATION_HISTORY_DEPTH", 10)
	p.DeliveryMode = getEnvOrDefault("CODEFORGE_ORCHESTRATION_DELIVERY", "bus")
	p.CallbackBaseURL = getEnvOrDefault("CODEFORGE_ORCHESTRATION_CALLBACK_URL", "")
	p.CallbackToken = getEnvOrDefault("CODEFORGE_INTERNAL_SERVICE_TOKEN", "")
	p.CallbackTimeout = getEnvOrDefaultInt("CODEFORGE_ORCHESTRATION_CALLBACK_TIMEOUT_SECONDS", 30)

	p.RateLimitPerUser = getEnvOrDefaultFloat("CODEFORGE_GATEWAY_RATE_LIMIT_PER_USER", 5)
	p.RateLimitBurst = getEnvOrDefaultInt("CODEFORGE_GATEWAY_RATE_LIMIT_BURST", 10)
	if origins := getEnvOrDefault("CODEFORGE_GATEWAY_ALLOWED_ORIGINS", ""); origins != "" {
		p.AllowedOrigins = splitAndTrim(origins)
	}

	p.MaxFileSizeBytes = int64(getEnvOrDefaultInt("CODEFORGE_FILESTORAGE_MAX_BYTES", 50*1024*1024))
	if exts := getEnvOrDefault("CODEFORGE_FILESTORAGE_ALLOWED_EXTENSIONS", ""); exts != "" {
		p.AllowedExtensions = splitAndTrim(exts)
	}
	if mimes := getEnvOrDefault("CODEFORGE_FILESTORAGE_ALLOWED_MIME_TYPES", ""); mimes != "" {
		p.AllowedMimeTypes = splitAndTrim(mimes)
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func checkDataDir(dataDir string) (string, error) {
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Secret == "" {
		return errors.New("secret is required to verify bearer credentials")
	}

	if p.Driver != "postgres" && p.Driver != "sqlite" {
		return errors.Errorf("unsupported database driver %q", p.Driver)
	}

	if p.Driver == "sqlite" {
		if p.Data == "" {
			p.Data = "."
		}
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			return err
		}
		p.Data = dataDir
		if p.DSN == "" {
			p.DSN = filepath.Join(dataDir, fmt.Sprintf("codeforge_%s.db", p.Mode))
		}
	} else if p.DSN == "" {
		return errors.New("dsn is required for the postgres driver")
	}

	if p.BusMode != "store" && p.BusMode != "memory" {
		return errors.Errorf("unsupported bus mode %q", p.BusMode)
	}
	if p.DeliveryMode != "bus" && p.DeliveryMode != "callback" {
		return errors.Errorf("unsupported delivery mode %q", p.DeliveryMode)
	}
	if p.DeliveryMode == "callback" && p.CallbackBaseURL == "" {
		return errors.New("callback delivery requires a gateway callback URL")
	}

	if p.PresenceTTL <= 0 {
		p.PresenceTTL = 300
	}
	if p.HistoryDepth <= 0 {
		p.HistoryDepth = 10
	}
	if p.ClassifierHeuristicThreshold <= 0 || p.ClassifierHeuristicThreshold > 1 {
		p.ClassifierHeuristicThreshold = 0.85
	}
	if p.ClassifierLearnedThreshold <= 0 || p.ClassifierLearnedThreshold > 1 {
		p.ClassifierLearnedThreshold = 0.70
	}
	if p.BusMaxAttempts <= 0 {
		p.BusMaxAttempts = 5
	}
	if p.BusConsumerWorkers <= 0 {
		p.BusConsumerWorkers = 4
	}
	if p.MaxFileSizeBytes <= 0 {
		p.MaxFileSizeBytes = 50 * 1024 * 1024
	}

	return nil
}

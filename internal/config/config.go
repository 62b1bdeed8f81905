// Package config loads run settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rezonia/ksef-fetcher/internal/ksef"
	"github.com/rezonia/ksef-fetcher/internal/model"
	"github.com/rezonia/ksef-fetcher/internal/poll"
	"github.com/rezonia/ksef-fetcher/internal/state"
)

// Config holds every setting of the fetcher
type Config struct {
	Token        string
	ContextType  string
	ContextValue string
	Environment  string
	BaseURL      string
	HTTPTimeout  time.Duration

	StateFile    string
	StateBackend string
	InvoiceDir   string
	PDFDir       string
	XSLTDir      string
	FontsDir     string

	Roles      []model.SubjectRole
	AuthPoll   poll.Policy
	ExportPoll poll.Policy
	MaxRounds  int
	KeepGoing  bool

	ServeAddr string
	LogLevel  string
	LogFormat string
}

// LoadDotEnv reads .env style files into the environment without overriding
// variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration from environment variables
func Load() (*Config, error) {
	var errs []error

	cfg := &Config{
		Token:        os.Getenv("KSEF_TOKEN"),
		ContextType:  getEnv("KSEF_CONTEXT_TYPE", "nip"),
		ContextValue: os.Getenv("CONTEXT_NIP"),
		Environment:  getEnv("KSEF_ENV", "prod"),
		BaseURL:      os.Getenv("KSEF_BASE_URL"),
		StateFile:    getEnv("KSEF_STATE_FILE", ".ksef_state.json"),
		StateBackend: getEnv("KSEF_STATE_BACKEND", state.BackendJSON),
		InvoiceDir:   getEnv("KSEF_INVOICE_DIR", "faktury"),
		PDFDir:       getEnv("KSEF_PDF_DIR", "faktury_pdf"),
		XSLTDir:      getEnv("KSEF_XSLT_DIR", "xslt"),
		FontsDir:     getEnv("KSEF_FONTS_DIR", "fonts"),
		ServeAddr:    getEnv("KSEF_SERVE_ADDR", ":8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
	}

	cfg.HTTPTimeout = getDuration("KSEF_HTTP_TIMEOUT", ksef.DefaultTimeout, &errs)
	cfg.AuthPoll = poll.Policy{
		Interval:    getDuration("KSEF_AUTH_POLL_INTERVAL", 2*time.Second, &errs),
		MaxAttempts: getInt("KSEF_AUTH_POLL_ATTEMPTS", 10, &errs),
	}
	cfg.ExportPoll = poll.Policy{
		Interval:    getDuration("KSEF_EXPORT_POLL_INTERVAL", 5*time.Second, &errs),
		MaxAttempts: getInt("KSEF_EXPORT_POLL_ATTEMPTS", 60, &errs),
	}
	cfg.MaxRounds = getInt("KSEF_MAX_ROUNDS", 1, &errs)
	cfg.KeepGoing = getBool("KSEF_KEEP_GOING", false, &errs)

	roles, err := ParseRoles(os.Getenv("KSEF_SUBJECT_ROLES"))
	if err != nil {
		errs = append(errs, fmt.Errorf("KSEF_SUBJECT_ROLES: %w", err))
	}
	cfg.Roles = roles

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings every command relies on
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.ResolveBaseURL(); err != nil {
		errs = append(errs, err)
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http timeout must be positive"))
	}
	if err := c.AuthPoll.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auth poll: %w", err))
	}
	if err := c.ExportPoll.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("export poll: %w", err))
	}
	if c.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("max rounds must be at least 1"))
	}
	if len(c.Roles) == 0 {
		errs = append(errs, fmt.Errorf("at least one subject role is required"))
	}
	switch c.StateBackend {
	case state.BackendJSON, state.BackendBBolt:
	default:
		errs = append(errs, fmt.Errorf("unknown state backend %q", c.StateBackend))
	}
	return errors.Join(errs...)
}

// RequireCredentials checks the settings needed to talk to the platform
func (c *Config) RequireCredentials() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, fmt.Errorf("KSEF_TOKEN is not set"))
	}
	if c.ContextValue == "" {
		errs = append(errs, fmt.Errorf("CONTEXT_NIP is not set"))
	}
	return errors.Join(errs...)
}

// ResolveBaseURL returns the explicit base URL or the one of the environment
func (c *Config) ResolveBaseURL() (string, error) {
	if c.BaseURL != "" {
		return c.BaseURL, nil
	}
	return ksef.BaseURLFor(c.Environment)
}

// Context returns the identity the token was issued for
func (c *Config) Context() model.ContextIdentifier {
	return model.ContextIdentifier{Type: c.ContextType, Value: c.ContextValue}
}

// ParseRoles parses a comma separated role list; empty means the default roles
func ParseRoles(s string) ([]model.SubjectRole, error) {
	if strings.TrimSpace(s) == "" {
		return append([]model.SubjectRole(nil), model.DefaultSubjectRoles...), nil
	}
	var roles []model.SubjectRole
	seen := make(map[model.SubjectRole]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		r, err := model.ParseSubjectRole(part)
		if err != nil {
			return nil, err
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		roles = append(roles, r)
	}
	return roles, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration, errs *[]error) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return d
}

func getInt(key string, defaultVal int, errs *[]error) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return n
}

func getBool(key string, defaultVal bool, errs *[]error) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return b
}

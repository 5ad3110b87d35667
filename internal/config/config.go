package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "SITEMAP"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "sitemap.db"
	defaultLogLevel            = "info"
	defaultLogEncoding         = "json"
	defaultCookieName          = "app_session"
	defaultSessionIssuer       = "tauth"
	defaultClipboardMaxEntries = 10
	defaultSubtreeRoot         = "/subtrees"
	defaultDocumentName        = "index.html"
	defaultPrefetchDepth       = 2
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	TAuthSigningKey     string
	TAuthCookieName     string
	TAuthIssuer         string
	TAuthEditorRole     string
	AllowedOrigins      []string
	DatabasePath        string
	LogLevel            string
	LogEncoding         string
	ClipboardPath       string
	ClipboardMaxEntries int
	SubtreeRoot         string
	DefaultDocument     string
	PrefetchDepth       int
	CatalogPath         string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("tauth.editor_role", "")
	configViper.SetDefault("clipboard.path", "")
	configViper.SetDefault("clipboard.max_entries", defaultClipboardMaxEntries)
	configViper.SetDefault("sitemap.subtree_root", defaultSubtreeRoot)
	configViper.SetDefault("sitemap.default_document", defaultDocumentName)
	configViper.SetDefault("sitemap.prefetch_depth", defaultPrefetchDepth)
	configViper.SetDefault("catalog.path", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		TAuthSigningKey:     configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:     configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:         configViper.GetString("tauth.issuer"),
		TAuthEditorRole:     configViper.GetString("tauth.editor_role"),
		AllowedOrigins:      configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		LogEncoding:         configViper.GetString("log.encoding"),
		ClipboardPath:       configViper.GetString("clipboard.path"),
		ClipboardMaxEntries: configViper.GetInt("clipboard.max_entries"),
		SubtreeRoot:         configViper.GetString("sitemap.subtree_root"),
		DefaultDocument:     configViper.GetString("sitemap.default_document"),
		PrefetchDepth:       configViper.GetInt("sitemap.prefetch_depth"),
		CatalogPath:         configViper.GetString("catalog.path"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.ClipboardMaxEntries < 1 {
		return fmt.Errorf("clipboard.max_entries must be positive, got %d", c.ClipboardMaxEntries)
	}
	if c.PrefetchDepth < 0 {
		return fmt.Errorf("sitemap.prefetch_depth must not be negative, got %d", c.PrefetchDepth)
	}
	subtreeRoot := strings.TrimSpace(c.SubtreeRoot)
	if !strings.HasPrefix(subtreeRoot, "/") || strings.Trim(subtreeRoot, "/") == "" {
		return fmt.Errorf("sitemap.subtree_root must be an absolute path below /, got %q", c.SubtreeRoot)
	}
	name := strings.TrimSpace(c.DefaultDocument)
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("sitemap.default_document must be a single path segment, got %q", c.DefaultDocument)
	}
	return nil
}

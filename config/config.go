// Package config provides server configuration management for ckanpackager.
// It supports loading configuration from a YAML file and environment
// variable overrides, mirroring the layered approach of the teacher CLI
// this package was adapted from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/ckanpackager/internal/dwc"
)

// Default configuration values, applied before any file or env overlay.
const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8765
	DefaultWorkers           = 2
	DefaultRequestsPerWorker = 0
	DefaultPageSize          = 1000
	DefaultSlowRequest       = 1_000_000
	DefaultStoreDirectory    = "/var/lib/ckanpackager/store"
	DefaultTempDirectory     = "/tmp/ckanpackager"
	DefaultCacheTime         = 24 * time.Hour
	DefaultZipCommand        = "zip -j {output} {input}"
	DefaultStatsDB           = "sqlite:////var/lib/ckanpackager/stats.db"
	DefaultDwCCoreExtension  = "occurrence"
	DefaultDwCDynamicTerm    = "dynamicProperties"
	DefaultDwCIDField        = "_id"
	DefaultDwCExtensionsDir  = "/etc/ckanpackager/dwc-extensions"
)

// Config holds the server's complete runtime configuration, populated from
// spec-mandated environment variables (see EXTERNAL INTERFACES).
type Config struct {
	// Ingress
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"`

	// Worker pool
	Workers           int `yaml:"workers"`
	RequestsPerWorker int `yaml:"requests_per_worker"`
	PageSize          int `yaml:"page_size"`
	SlowRequest       int `yaml:"slow_request"`

	// Workspace and cache
	StoreDirectory string        `yaml:"store_directory"`
	TempDirectory  string        `yaml:"temp_directory"`
	CacheTime      time.Duration `yaml:"cache_time"`
	ZipCommand     string        `yaml:"zip_command"`

	// SMTP
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPLogin    string `yaml:"smtp_login,omitempty"`
	SMTPPassword string `yaml:"smtp_password,omitempty"`

	// Email templates
	EmailSubject  string `yaml:"email_subject"`
	EmailFrom     string `yaml:"email_from"`
	EmailBody     string `yaml:"email_body"`
	EmailBodyHTML string `yaml:"email_body_html"`
	DOIBody       string `yaml:"doi_body"`
	DOIBodyHTML   string `yaml:"doi_body_html"`

	// Statistics
	StatsDB         string `yaml:"stats_db"`
	AnonymizeEmails bool   `yaml:"anonymize_emails"`

	// Darwin Core Archive
	DwCCoreExtension        string                          `yaml:"dwc_core_extension"`
	DwCAdditionalExtensions []string                        `yaml:"dwc_additional_extensions,omitempty"`
	DwCDynamicTerm          string                          `yaml:"dwc_dynamic_term"`
	DwCIDField              string                          `yaml:"dwc_id_field"`
	DwCExtensionFields      map[string]DwCExtensionFieldSpec `yaml:"dwc_extension_fields,omitempty"`
	// DwCExtensionsDir holds the GBIF extension XML descriptors backing
	// DwCCoreExtension/DwCAdditionalExtensions. A descriptor for extension
	// name "measurementOrFact" is expected at
	// filepath.Join(DwCExtensionsDir, "measurement_or_fact.xml").
	DwCExtensionsDir string `yaml:"dwc_extensions_dir"`
}

// DwCExtensionPath returns the GBIF extension XML descriptor path for
// extension name, following the snake_case(name)+".xml" convention shared
// with the CSV layout's file naming.
func (c *Config) DwCExtensionPath(name string) string {
	return filepath.Join(c.DwCExtensionsDir, dwc.SnakeCase(name)+".xml")
}

// ExtensionFields resolves DwCExtensionFields into the form dwc.RouteField
// expects, looking up each configured formatter name in dwc.NamedFormatters.
func (c *Config) ExtensionFields() (map[string]dwc.ExtensionField, error) {
	out := make(map[string]dwc.ExtensionField, len(c.DwCExtensionFields))
	for field, spec := range c.DwCExtensionFields {
		formatters := make(map[string]dwc.Formatter, len(spec.Formatters))
		for sub, name := range spec.Formatters {
			f, err := dwc.ResolveFormatter(name)
			if err != nil {
				return nil, fmt.Errorf("dwc_extension_fields[%s].formatters[%s]: %w", field, sub, err)
			}
			formatters[sub] = f
		}
		out[field] = dwc.ExtensionField{
			Extension:  spec.Extension,
			Fields:     spec.Fields,
			Mappings:   spec.Mappings,
			Formatters: formatters,
		}
	}
	return out, nil
}

// DwCExtensionFieldSpec describes one upstream field whose value is a JSON
// array/object that expands into rows of its own DwC extension (e.g. a
// "multimedia" column expanding into one gbif Multimedia extension row per
// array element).
type DwCExtensionFieldSpec struct {
	// Extension is the GBIF extension name this field expands into.
	Extension string `yaml:"extension"`
	// Fields are default key/value pairs merged into every decoded element
	// before sub-field lookup, supplying values the upstream never sends.
	Fields map[string]string `yaml:"fields,omitempty"`
	// Mappings renames a decoded sub-field to a different destination term
	// name; sub-fields absent from this map use their own name as the term.
	Mappings map[string]string `yaml:"mappings,omitempty"`
	// Formatters names a registered formatter (dwc.NamedFormatters) to apply
	// to a sub-field's value before it is written.
	Formatters map[string]string `yaml:"formatters,omitempty"`
}

// DefaultConfig returns a Config populated with the spec's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		Workers:           DefaultWorkers,
		RequestsPerWorker: DefaultRequestsPerWorker,
		PageSize:          DefaultPageSize,
		SlowRequest:       DefaultSlowRequest,
		StoreDirectory:    DefaultStoreDirectory,
		TempDirectory:     DefaultTempDirectory,
		CacheTime:         DefaultCacheTime,
		ZipCommand:        DefaultZipCommand,
		SMTPHost:          "localhost",
		SMTPPort:          25,
		EmailSubject:      "Your data package is ready",
		EmailFrom:         "ckanpackager@localhost",
		EmailBody:         "Your package is available at: {zip_file_name}",
		EmailBodyHTML:     "<p>Your package is available at: <a href=\"{zip_file_name}\">{zip_file_name}</a></p>",
		DOIBody:           "Your package is available at: {url}\n\nPlease cite: {doi}",
		DOIBodyHTML:       "<p>Your package is available at: <a href=\"{url}\">{url}</a></p><p>Please cite: {doi}</p>",
		StatsDB:           DefaultStatsDB,
		AnonymizeEmails:   false,
		DwCCoreExtension:  DefaultDwCCoreExtension,
		DwCDynamicTerm:    DefaultDwCDynamicTerm,
		DwCIDField:        DefaultDwCIDField,
		DwCExtensionsDir:  DefaultDwCExtensionsDir,
	}
}

// Load reads configuration in layered order: defaults, then an optional
// YAML file at path (skipped if path is empty or the file does not exist),
// then environment variable overrides. The result is validated before
// being returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := loadFromFile(cfg, path); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// loadFromEnv overlays the spec's documented environment variables onto cfg.
func loadFromEnv(cfg *Config) {
	strVar(&cfg.Host, "HOST")
	intVar(&cfg.Port, "PORT")
	strVar(&cfg.Secret, "SECRET")

	intVar(&cfg.Workers, "WORKERS")
	intVar(&cfg.RequestsPerWorker, "REQUESTS_PER_WORKER")
	intVar(&cfg.PageSize, "PAGE_SIZE")
	intVar(&cfg.SlowRequest, "SLOW_REQUEST")

	strVar(&cfg.StoreDirectory, "STORE_DIRECTORY")
	strVar(&cfg.TempDirectory, "TEMP_DIRECTORY")
	durationSecondsVar(&cfg.CacheTime, "CACHE_TIME")
	strVar(&cfg.ZipCommand, "ZIP_COMMAND")

	strVar(&cfg.SMTPHost, "SMTP_HOST")
	intVar(&cfg.SMTPPort, "SMTP_PORT")
	strVar(&cfg.SMTPLogin, "SMTP_LOGIN")
	strVar(&cfg.SMTPPassword, "SMTP_PASSWORD")

	strVar(&cfg.EmailSubject, "EMAIL_SUBJECT")
	strVar(&cfg.EmailFrom, "EMAIL_FROM")
	strVar(&cfg.EmailBody, "EMAIL_BODY")
	strVar(&cfg.EmailBodyHTML, "EMAIL_BODY_HTML")
	strVar(&cfg.DOIBody, "DOI_BODY")
	strVar(&cfg.DOIBodyHTML, "DOI_BODY_HTML")

	strVar(&cfg.StatsDB, "STATS_DB")
	boolVar(&cfg.AnonymizeEmails, "ANONYMIZE_EMAILS")

	strVar(&cfg.DwCCoreExtension, "DWC_CORE_EXTENSION")
	strVar(&cfg.DwCDynamicTerm, "DWC_DYNAMIC_TERM")
	strVar(&cfg.DwCIDField, "DWC_ID_FIELD")
	strVar(&cfg.DwCExtensionsDir, "DWC_EXTENSIONS_DIR")
	if v := os.Getenv("DWC_ADDITIONAL_EXTENSIONS"); v != "" {
		cfg.DwCAdditionalExtensions = splitCSV(v)
	}
}

func strVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func boolVar(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func durationSecondsVar(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func splitCSV(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive")
	}
	if c.StoreDirectory == "" {
		return fmt.Errorf("store_directory is required")
	}
	if c.TempDirectory == "" {
		return fmt.Errorf("temp_directory is required")
	}
	if c.CacheTime <= 0 {
		return fmt.Errorf("cache_time must be positive")
	}
	if c.ZipCommand == "" {
		return fmt.Errorf("zip_command is required")
	}
	if c.StatsDB == "" {
		return fmt.Errorf("stats_db is required")
	}
	if c.DwCCoreExtension == "" {
		return fmt.Errorf("dwc_core_extension is required")
	}
	if c.DwCExtensionsDir == "" {
		return fmt.Errorf("dwc_extensions_dir is required")
	}
	return nil
}

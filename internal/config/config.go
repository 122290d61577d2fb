// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	Provider string         `yaml:"provider"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	IMAP     IMAPConfig     `yaml:"imap"`
	SES      SESConfig      `yaml:"ses"`
	Resend   ResendConfig   `yaml:"resend"`
	Graph    GraphConfig    `yaml:"graph"`
	Sink     SinkConfig     `yaml:"sink"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	TLS      TLSConfig      `yaml:"tls"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig is the outbound submission server.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Security string `yaml:"security"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// From is used when a send request names no sender.
	From      string `yaml:"from"`
	LocalName string `yaml:"local_name"`
	CAFile    string `yaml:"ca_file"`
	VerifyMX  bool   `yaml:"verify_mx"`
}

// IMAPConfig is the mailbox the inbox reader and sync use.
type IMAPConfig struct {
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	Security  string   `yaml:"security"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	CAFile    string   `yaml:"ca_file"`
	Mailboxes []string `yaml:"mailboxes"`
	SyncLimit int      `yaml:"sync_limit"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

type ResendConfig struct {
	APIKey string `yaml:"api_key"`
	From   string `yaml:"from"`
}

// GraphConfig holds Microsoft Graph app credentials. Sender is the mailbox
// the app sends as. The endpoints are only set for national clouds.
type GraphConfig struct {
	TenantID      string `yaml:"tenant_id"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	Sender        string `yaml:"sender"`
	Endpoint      string `yaml:"endpoint"`
	LoginEndpoint string `yaml:"login_endpoint"`
}

// SinkConfig configures the development SMTP server.
type SinkConfig struct {
	Listen         string   `yaml:"listen"`
	Hostname       string   `yaml:"hostname"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	RejectDomains  []string `yaml:"reject_domains"`
}

type HTTPConfig struct {
	Listen     string `yaml:"listen"`
	CORSOrigin string `yaml:"cors_origin"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// SMTPConfigured returns true if a submission host is set and the login is
// either complete or absent. Without a username the client skips AUTH.
func (c *Config) SMTPConfigured() bool {
	return c.SMTP.Host != "" && (c.SMTP.Username == "") == (c.SMTP.Password == "")
}

// IMAPConfigured returns true if an IMAP host and login are set.
func (c *Config) IMAPConfigured() bool {
	return c.IMAP.Host != "" && c.IMAP.Username != "" && c.IMAP.Password != ""
}

// SESConfigured returns true if region and sender are set. Credentials
// may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

func (c *Config) ResendConfigured() bool {
	return c.Resend.APIKey != "" && c.Resend.From != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SinkAuthEnabled returns true if both sink username and password are set.
func (c *Config) SinkAuthEnabled() bool {
	return c.Sink.Username != "" && c.Sink.Password != ""
}

// Validate reports every problem with the selected provider and the
// enumerated settings at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case "smtp":
		if !c.SMTPConfigured() {
			errs = append(errs, errors.New("smtp provider requires SMTP_HOST, and SMTP_USER and SMTP_PASSWORD set together"))
		}
	case "ses":
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses provider requires SES_REGION and SES_SENDER"))
		}
	case "resend":
		if !c.ResendConfigured() {
			errs = append(errs, errors.New("resend provider requires RESEND_API_KEY and RESEND_FROM"))
		}
	case "msgraph":
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("msgraph provider requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER"))
		}
	case "stdout":
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	if !oneOf(c.SMTP.Security, "starttls", "tls") {
		errs = append(errs, fmt.Errorf("unknown smtp security %q", c.SMTP.Security))
	}
	if !oneOf(c.IMAP.Security, "tls", "starttls", "none") {
		errs = append(errs, fmt.Errorf("unknown imap security %q", c.IMAP.Security))
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid smtp port %d", c.SMTP.Port))
	}
	if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid imap port %d", c.IMAP.Port))
	}
	if !oneOf(c.Logging.Level, "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = "smtp"
	c.SMTP.Port = 587
	c.SMTP.Security = "starttls"
	c.IMAP.Port = 993
	c.IMAP.Security = "tls"
	c.IMAP.Mailboxes = []string{"INBOX"}
	c.IMAP.SyncLimit = 50
	c.Sink.Listen = ":2525"
	c.Sink.Hostname = "localhost"
	c.Sink.MaxMessageSize = defaultMaxMessageSize
	c.HTTP.Listen = ":8080"
	c.HTTP.CORSOrigin = "*"
	c.Database.Path = "data/crm-mail.db"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	if v := os.Getenv("SMTP_SECURE"); v != "" {
		c.SMTP.Security = securityFromEnv(v)
	}
	setString(&c.SMTP.Username, "SMTP_USER")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.SMTP.From, "SMTP_FROM")
	setString(&c.SMTP.LocalName, "SMTP_LOCAL_NAME")
	setString(&c.SMTP.CAFile, "SMTP_CA_FILE")
	setBool(&c.SMTP.VerifyMX, "SMTP_VERIFY_MX")

	setString(&c.IMAP.Host, "IMAP_HOST")
	setInt(&c.IMAP.Port, "IMAP_PORT")
	if v := os.Getenv("IMAP_SECURE"); v != "" {
		c.IMAP.Security = strings.ToLower(v)
		switch c.IMAP.Security {
		case "true":
			c.IMAP.Security = "tls"
		case "false":
			c.IMAP.Security = "none"
		}
	}
	setString(&c.IMAP.Username, "IMAP_USER")
	setString(&c.IMAP.Password, "IMAP_PASSWORD")
	setString(&c.IMAP.CAFile, "IMAP_CA_FILE")
	setList(&c.IMAP.Mailboxes, "IMAP_MAILBOXES")
	setInt(&c.IMAP.SyncLimit, "IMAP_SYNC_LIMIT")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	setString(&c.Resend.APIKey, "RESEND_API_KEY")
	setString(&c.Resend.From, "RESEND_FROM")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")
	setString(&c.Graph.Endpoint, "GRAPH_ENDPOINT")
	setString(&c.Graph.LoginEndpoint, "GRAPH_LOGIN_ENDPOINT")

	setString(&c.Sink.Listen, "SINK_LISTEN")
	setString(&c.Sink.Hostname, "SINK_HOSTNAME")
	setString(&c.Sink.Username, "SINK_USERNAME")
	setString(&c.Sink.Password, "SINK_PASSWORD")
	if v := os.Getenv("SINK_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Sink.MaxMessageSize = size
		}
	}
	setList(&c.Sink.RejectDomains, "SINK_REJECT_DOMAINS")

	setString(&c.HTTP.Listen, "HTTP_LISTEN")
	setString(&c.HTTP.CORSOrigin, "CORS_ORIGIN")
	setString(&c.Database.Path, "DATABASE_PATH")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// securityFromEnv accepts the boolean form of SMTP_SECURE ("true" means
// implicit TLS on connect) as well as the mode names.
func securityFromEnv(v string) string {
	switch v = strings.ToLower(v); v {
	case "true", "ssl", "implicit":
		return "tls"
	case "false":
		return "starttls"
	default:
		return v
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// setList splits a comma separated value, dropping blanks.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

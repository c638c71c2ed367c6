package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/firewatch/firewatch/pkg/types"
)

// Default values for the server configuration.
const (
	DefaultGRPCPort        = 50051
	DefaultHTTPPort        = 8080
	DefaultWSInterval      = 5 * time.Second
	DefaultQueueSize       = 256
	DefaultCooldown        = 30 * time.Second
	DefaultMaxGap          = 5 * time.Minute
	DefaultMaxLateness     = 2 * time.Second
	DefaultHumidityLow     = 30.0
	DefaultHumidityFresh   = 10 * time.Minute
	DefaultFireConfidence  = 70.0
	DefaultSmokeConfidence = 60.0

	// DefaultNotifyCooldown spaces out email and SMS messages. The lifecycle
	// cooldown is per alert kind; this one is per channel.
	DefaultNotifyCooldown = 5 * time.Minute
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml. The `agent:` key in the same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// GRPCPort is the port the gRPC telemetry receiver listens on (default 50051).
	GRPCPort int `yaml:"grpc_port"`

	// HTTPPort is the port the REST API, WebSocket hub and /metrics listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	// Auth configures how the server authenticates incoming gRPC and REST clients.
	Auth AuthConfig `yaml:"auth"`

	WS       WSConfig       `yaml:"ws"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Storage  StorageConfig  `yaml:"storage"`

	Classifier ClassifierConfig `yaml:"classifier"`
	Debounce   DebounceConfig   `yaml:"debounce"`
	Cooldown   CooldownConfig   `yaml:"cooldown"`
	Alerts     AlertsConfig     `yaml:"alerts"`

	// Sources attaches human-readable locations to source ids.
	Sources []SourceConfig `yaml:"sources"`

	Notify NotifyConfig `yaml:"notify"`
}

// AuthConfig controls client authentication on the server side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the gRPC metadata key (and HTTP header name) to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// WSConfig controls the WebSocket snapshot broadcast.
type WSConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// PipelineConfig sizes the per-source mailboxes.
type PipelineConfig struct {
	// QueueSize is the mailbox depth per source. When full, the oldest queued
	// event for that source is dropped.
	QueueSize int `yaml:"queue_size"`
}

// IngestConfig holds optional telemetry inputs besides gRPC and HTTP.
type IngestConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig names brokers and a topic. GroupID is only used by consumers.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// StorageConfig configures the optional alert audit history.
type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig points at the environment variable holding the DSN.
type PostgresConfig struct {
	DSNEnv string `yaml:"dsn_env"`
}

// DSN returns the connection string resolved from the environment.
func (p PostgresConfig) DSN() string {
	if p.DSNEnv == "" {
		return ""
	}
	return os.Getenv(p.DSNEnv)
}

// ClassifierConfig holds the threshold tables used by the risk classifier.
type ClassifierConfig struct {
	// Temperature is evaluated top to bottom; the first rule whose Above is
	// exceeded wins. Rules must be strictly descending.
	Temperature []ThresholdRule `yaml:"temperature"`

	Humidity HumidityConfig `yaml:"humidity"`

	// FireConfidence and SmokeConfidence are the 0..100 thresholds a
	// prediction must exceed to count as Fire or Smoke.
	FireConfidence  float64 `yaml:"fire_confidence"`
	SmokeConfidence float64 `yaml:"smoke_confidence"`
}

// ThresholdRule maps "value > Above" to Level.
type ThresholdRule struct {
	Above float64         `yaml:"above"`
	Level types.RiskLevel `yaml:"level"`
}

// HumidityConfig controls the low-humidity verdict and temperature escalation.
type HumidityConfig struct {
	// LowThreshold is the relative humidity (percent) below which air counts as dry.
	LowThreshold float64 `yaml:"low_threshold"`

	// Freshness bounds how old a humidity reading may be and still escalate
	// a temperature verdict from the same source.
	Freshness time.Duration `yaml:"freshness"`
}

// DebounceConfig holds sustained-detection rules per event kind and level.
type DebounceConfig struct {
	// MaxLateness is how far behind the newest observation a matching
	// observation may arrive and still count.
	MaxLateness time.Duration `yaml:"max_lateness"`

	Rules map[types.EventKind]map[types.RiskLevel]DebounceRule `yaml:"rules"`
}

// DebounceRule is one requiredCount/maxGap pair.
type DebounceRule struct {
	RequiredCount int           `yaml:"required_count"`
	MaxGap        time.Duration `yaml:"max_gap"`
}

// Rule returns the rule for kind and level, falling back to a single
// observation with DefaultMaxGap when none is configured.
func (d DebounceConfig) Rule(kind types.EventKind, level types.RiskLevel) DebounceRule {
	if r, ok := d.Rules[kind][level]; ok {
		return r
	}
	return DebounceRule{RequiredCount: 1, MaxGap: DefaultMaxGap}
}

// mergeRules fills every kind/level present in def but absent from d.Rules.
// yaml replaces a whole level map when the file names its kind, so a file
// that overrides one level would otherwise drop the other defaults.
func (d *DebounceConfig) mergeRules(def map[types.EventKind]map[types.RiskLevel]DebounceRule) {
	if d.Rules == nil {
		d.Rules = make(map[types.EventKind]map[types.RiskLevel]DebounceRule, len(def))
	}
	for kind, levels := range def {
		got := d.Rules[kind]
		if got == nil {
			got = make(map[types.RiskLevel]DebounceRule, len(levels))
			d.Rules[kind] = got
		}
		for level, r := range levels {
			if _, ok := got[level]; !ok {
				got[level] = r
			}
		}
	}
}

// CooldownConfig holds per-alert-kind cooldown durations.
type CooldownConfig struct {
	Default time.Duration                     `yaml:"default"`
	Kinds   map[types.AlertKind]time.Duration `yaml:"kinds"`
}

// For returns the cooldown duration for kind.
func (c CooldownConfig) For(kind types.AlertKind) time.Duration {
	if d, ok := c.Kinds[kind]; ok {
		return d
	}
	return c.Default
}

// AlertsConfig controls the lifecycle manager.
type AlertsConfig struct {
	// StaleAfter dismisses open alerts that have not been reaffirmed for this
	// long. Zero disables expiry.
	StaleAfter time.Duration `yaml:"stale_after"`

	// QueueSize is the depth of the manager's request queue.
	QueueSize int `yaml:"queue_size"`
}

// SourceConfig attaches a location label to a source id.
type SourceConfig struct {
	ID       string `yaml:"id"`
	Location string `yaml:"location"`
}

// NotifyConfig lists downstream notification targets.
type NotifyConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Email    EmailConfig     `yaml:"email"`
	SMS      SMSConfig       `yaml:"sms"`
	Kafka    KafkaConfig     `yaml:"kafka"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// EmailConfig configures SMTP delivery of new-alert notifications.
type EmailConfig struct {
	SMTPHost    string         `yaml:"smtp_host"`
	SMTPPort    int            `yaml:"smtp_port"`
	Username    string         `yaml:"username"`
	PasswordEnv string         `yaml:"password_env"`
	From        string         `yaml:"from"`
	To          []string       `yaml:"to"`
	MinSeverity types.Severity `yaml:"min_severity"`

	// Cooldown is the minimum time between two alert emails. Zero mails
	// every qualifying alert.
	Cooldown time.Duration `yaml:"cooldown"`
}

// Enabled reports whether an SMTP host and at least one recipient are set.
func (e EmailConfig) Enabled() bool { return e.SMTPHost != "" && len(e.To) > 0 }

// Password returns the SMTP password resolved from the environment.
func (e EmailConfig) Password() string {
	if e.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(e.PasswordEnv)
}

// SMSConfig configures Twilio SMS delivery of new-alert notifications.
type SMSConfig struct {
	AccountSIDEnv string         `yaml:"account_sid_env"`
	AuthTokenEnv  string         `yaml:"auth_token_env"`
	From          string         `yaml:"from"`
	To            []string       `yaml:"to"`
	MinSeverity   types.Severity `yaml:"min_severity"`
	Cooldown      time.Duration  `yaml:"cooldown"`
}

// AccountSID returns the Twilio account SID resolved from the environment.
func (s SMSConfig) AccountSID() string {
	if s.AccountSIDEnv == "" {
		return ""
	}
	return os.Getenv(s.AccountSIDEnv)
}

// AuthToken returns the Twilio auth token resolved from the environment.
func (s SMSConfig) AuthToken() string {
	if s.AuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(s.AuthTokenEnv)
}

// Credentials reports whether both Twilio credentials resolve.
func (s SMSConfig) Credentials() bool { return s.AccountSID() != "" && s.AuthToken() != "" }

// Enabled reports whether credentials, a sender number and a recipient are set.
func (s SMSConfig) Enabled() bool {
	return s.Credentials() && s.From != "" && len(s.To) > 0
}

// Locations returns the source id to location map.
func (s ServerConfig) Locations() map[string]string {
	out := make(map[string]string, len(s.Sources))
	for _, src := range s.Sources {
		out[src.ID] = src.Location
	}
	return out
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}
	cfg.Server.Debounce.mergeRules(defaults().Server.Debounce.Rules)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when a field is absent from the file.
func Default() *Config { return defaults() }

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort: DefaultGRPCPort,
			HTTPPort: DefaultHTTPPort,
			WS:       WSConfig{Interval: DefaultWSInterval},
			Pipeline: PipelineConfig{QueueSize: DefaultQueueSize},
			Classifier: ClassifierConfig{
				Temperature: []ThresholdRule{
					{Above: 95, Level: types.LevelCritical},
					{Above: 85, Level: types.LevelWarning},
				},
				Humidity: HumidityConfig{
					LowThreshold: DefaultHumidityLow,
					Freshness:    DefaultHumidityFresh,
				},
				FireConfidence:  DefaultFireConfidence,
				SmokeConfidence: DefaultSmokeConfidence,
			},
			Debounce: DebounceConfig{
				MaxLateness: DefaultMaxLateness,
				Rules: map[types.EventKind]map[types.RiskLevel]DebounceRule{
					types.KindScalar: {
						types.LevelCritical: {RequiredCount: 1, MaxGap: DefaultMaxGap},
						types.LevelWarning:  {RequiredCount: 1, MaxGap: DefaultMaxGap},
						types.LevelWatch:    {RequiredCount: 1, MaxGap: DefaultMaxGap},
					},
					types.KindPrediction: {
						types.LevelCritical: {RequiredCount: 50, MaxGap: time.Second},
						types.LevelWarning:  {RequiredCount: 30, MaxGap: time.Second},
					},
				},
			},
			Cooldown: CooldownConfig{Default: DefaultCooldown},
			Alerts:   AlertsConfig{QueueSize: DefaultQueueSize},
			Notify: NotifyConfig{
				Email: EmailConfig{Cooldown: DefaultNotifyCooldown},
				SMS: SMSConfig{
					MinSeverity: types.SeverityCritical,
					Cooldown:    DefaultNotifyCooldown,
				},
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := &cfg.Server
	if s.GRPCPort <= 0 || s.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [1, 65535]", s.GRPCPort)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	if s.WS.Interval <= 0 {
		return fmt.Errorf("server.ws.interval must be positive")
	}
	if s.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("server.pipeline.queue_size must be positive")
	}
	if s.Alerts.QueueSize <= 0 {
		return fmt.Errorf("server.alerts.queue_size must be positive")
	}
	if s.Alerts.StaleAfter < 0 {
		return fmt.Errorf("server.alerts.stale_after must not be negative")
	}
	if err := validateKafka("server.ingest.kafka", s.Ingest.Kafka, true); err != nil {
		return err
	}
	if err := validateClassifier(s.Classifier); err != nil {
		return err
	}
	if err := validateDebounce(s.Debounce); err != nil {
		return err
	}
	if err := validateCooldown(s.Cooldown); err != nil {
		return err
	}

	seen := make(map[string]bool, len(s.Sources))
	for i, src := range s.Sources {
		if src.ID == "" {
			return fmt.Errorf("server.sources[%d]: id is required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("server.sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
	}

	return validateNotify(s.Notify)
}

func validateKafka(path string, k KafkaConfig, needGroup bool) error {
	if !k.Enabled() {
		return nil
	}
	if k.Topic == "" {
		return fmt.Errorf("%s.topic is required when brokers are set", path)
	}
	if needGroup && k.GroupID == "" {
		return fmt.Errorf("%s.group_id is required when brokers are set", path)
	}
	return nil
}

func validateClassifier(c ClassifierConfig) error {
	for i, r := range c.Temperature {
		if !r.Level.Valid() || r.Level == types.LevelNormal {
			return fmt.Errorf("server.classifier.temperature[%d]: level %q must be watch|warning|critical", i, r.Level)
		}
		if i > 0 && r.Above >= c.Temperature[i-1].Above {
			return fmt.Errorf("server.classifier.temperature[%d]: thresholds must be strictly descending", i)
		}
	}
	if c.Humidity.LowThreshold < 0 || c.Humidity.LowThreshold > 100 {
		return fmt.Errorf("server.classifier.humidity.low_threshold %.1f is out of range [0, 100]", c.Humidity.LowThreshold)
	}
	if c.Humidity.Freshness < 0 {
		return fmt.Errorf("server.classifier.humidity.freshness must not be negative")
	}
	if c.FireConfidence < 0 || c.FireConfidence > 100 {
		return fmt.Errorf("server.classifier.fire_confidence %.1f is out of range [0, 100]", c.FireConfidence)
	}
	if c.SmokeConfidence < 0 || c.SmokeConfidence > 100 {
		return fmt.Errorf("server.classifier.smoke_confidence %.1f is out of range [0, 100]", c.SmokeConfidence)
	}
	return nil
}

func validateDebounce(d DebounceConfig) error {
	if d.MaxLateness < 0 {
		return fmt.Errorf("server.debounce.max_lateness must not be negative")
	}
	for kind, levels := range d.Rules {
		if kind != types.KindScalar && kind != types.KindPrediction {
			return fmt.Errorf("server.debounce.rules: unknown event kind %q", kind)
		}
		for level, r := range levels {
			if !level.Valid() {
				return fmt.Errorf("server.debounce.rules.%s: unknown level %q", kind, level)
			}
			if r.RequiredCount < 1 {
				return fmt.Errorf("server.debounce.rules.%s.%s: required_count must be at least 1", kind, level)
			}
			if r.MaxGap <= 0 {
				return fmt.Errorf("server.debounce.rules.%s.%s: max_gap must be positive", kind, level)
			}
		}
	}
	return nil
}

func validateCooldown(c CooldownConfig) error {
	if c.Default < 0 {
		return fmt.Errorf("server.cooldown.default must not be negative")
	}
	for kind, d := range c.Kinds {
		if d < 0 {
			return fmt.Errorf("server.cooldown.kinds.%s must not be negative", kind)
		}
	}
	return nil
}

func validateNotify(n NotifyConfig) error {
	for i, wh := range n.Webhooks {
		switch wh.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("server.notify.webhooks[%d]: unknown type %q", i, wh.Type)
		}
		if wh.URLEnv == "" {
			return fmt.Errorf("server.notify.webhooks[%d]: url_env is required", i)
		}
	}
	if n.Email.Enabled() {
		if n.Email.From == "" {
			return fmt.Errorf("server.notify.email.from is required")
		}
		if n.Email.SMTPPort < 0 || n.Email.SMTPPort > 65535 {
			return fmt.Errorf("server.notify.email.smtp_port %d is out of range [0, 65535]", n.Email.SMTPPort)
		}
		if n.Email.MinSeverity != "" && !n.Email.MinSeverity.Valid() {
			return fmt.Errorf("server.notify.email.min_severity %q unknown", n.Email.MinSeverity)
		}
	}
	if n.Email.Cooldown < 0 {
		return fmt.Errorf("server.notify.email.cooldown must not be negative")
	}
	if n.SMS.MinSeverity != "" && !n.SMS.MinSeverity.Valid() {
		return fmt.Errorf("server.notify.sms.min_severity %q unknown", n.SMS.MinSeverity)
	}
	if n.SMS.Cooldown < 0 {
		return fmt.Errorf("server.notify.sms.cooldown must not be negative")
	}
	if len(n.SMS.To) > 0 && n.SMS.From == "" {
		return fmt.Errorf("server.notify.sms.from is required when recipients are set")
	}
	return validateKafka("server.notify.kafka", n.Kafka, false)
}

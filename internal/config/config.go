// Package config holds the SOC configuration: YAML file parsing, defaults,
// and environment-variable overrides for the operational knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level SOC configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Detection   DetectionConfig   `yaml:"detection"`
	Analyst     AnalystConfig     `yaml:"analyst"`
	Remediation RemediationConfig `yaml:"remediation"`
	Policy      PolicyConfig      `yaml:"policy"`
	Learning    LearningConfig    `yaml:"learning"`
	LLM         LLMConfig         `yaml:"llm"`
	Bus         BusConfig         `yaml:"bus"`
	Notify      NotifyConfig      `yaml:"notify"`

	// RealMode enables real execution of high-risk actions. When false
	// (the default) the remediator runs in dry-run mode and high-risk
	// actions are simulated.
	RealMode bool `yaml:"real_mode"`

	// CTFFlag is an optional secret for the built-in capture-the-flag
	// challenge. Absent means the challenge is disabled.
	CTFFlag string `yaml:"ctf_flag"`
}

// DryRun is always the inverse of RealMode.
func (c *Config) DryRun() bool { return !c.RealMode }

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

type StorageConfig struct {
	Path          string        `yaml:"path"`
	PoolSize      int           `yaml:"pool_size"`
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type DetectionConfig struct {
	RulesFile           string        `yaml:"rules_file"`
	SemanticThreshold   float64       `yaml:"semantic_threshold"`
	ConversationWindow  int           `yaml:"conversation_window"`
	ConversationTimeout time.Duration `yaml:"conversation_timeout"`
	DedupWindow         time.Duration `yaml:"dedup_window"`
	IntelligentEnabled  bool          `yaml:"intelligent_enabled"`
}

type AnalystConfig struct {
	CertaintyHigh float64 `yaml:"certainty_high"`
	FPHigh        float64 `yaml:"fp_high"`
}

type RemediationConfig struct {
	QueueCapacity    int           `yaml:"queue_capacity"`
	Workers          int           `yaml:"workers"`
	BlockTTL         time.Duration `yaml:"block_ttl"`
	ApprovalTTL      time.Duration `yaml:"approval_ttl"`
	RateLimitDefault int           `yaml:"rate_limit_default"`
	RateLimitWindow  time.Duration `yaml:"rate_limit_window"`
	EffectorTimeout  time.Duration `yaml:"effector_timeout"`
	EnableWhitelist  bool          `yaml:"enable_action_whitelist"`
	EnableSchema     bool          `yaml:"enable_schema_validation"`
	EnableSanitize   bool          `yaml:"enable_input_sanitization"`
}

type PolicyConfig struct {
	WhitelistCIDRs []string     `yaml:"whitelist_cidrs"`
	Environment    string       `yaml:"environment"`
	CustomRules    []CustomRule `yaml:"custom_rules"`
}

// CustomRule is an operator-defined policy rule with a CEL condition.
// It is evaluated after the built-in rules and before the default.
type CustomRule struct {
	Name      string `yaml:"name"`
	Priority  int    `yaml:"priority"`
	Condition string `yaml:"condition"` // CEL expression over action.* / alert.* / env
	Decision  string `yaml:"decision"`  // allow, deny, require_approval, dry_run_only
	Message   string `yaml:"message"`
}

type LearningConfig struct {
	MaxVariations  int           `yaml:"max_variations"`
	MinConfidence  float64       `yaml:"min_confidence"`
	GenerateBudget time.Duration `yaml:"generate_budget"`
	AIEnabled      bool          `yaml:"ai_enabled"`
	AIVariations   int           `yaml:"ai_variations"`
}

type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type BusConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	PublishDeadline time.Duration `yaml:"publish_deadline"`
}

type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Webhook WebhookConfig `yaml:"webhook"`
}

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     7747,
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Path:          "./socagents.db",
			PoolSize:      5,
			Timeout:       2 * time.Second,
			SweepInterval: 60 * time.Second,
		},
		Detection: DetectionConfig{
			SemanticThreshold:   0.65,
			ConversationWindow:  20,
			ConversationTimeout: 30 * time.Minute,
			DedupWindow:         10 * time.Second,
			IntelligentEnabled:  true,
		},
		Analyst: AnalystConfig{
			CertaintyHigh: 0.7,
			FPHigh:        0.7,
		},
		Remediation: RemediationConfig{
			QueueCapacity:    512,
			Workers:          4,
			BlockTTL:         time.Hour,
			ApprovalTTL:      24 * time.Hour,
			RateLimitDefault: 5,
			RateLimitWindow:  120 * time.Second,
			EffectorTimeout:  10 * time.Second,
			EnableWhitelist:  true,
			EnableSchema:     true,
			EnableSanitize:   true,
		},
		Policy: PolicyConfig{
			Environment: "production",
		},
		Learning: LearningConfig{
			MaxVariations:  30,
			MinConfidence:  0.7,
			GenerateBudget: 5 * time.Second,
			AIEnabled:      true,
			AIVariations:   5,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
		Bus: BusConfig{
			QueueSize:       1024,
			PublishDeadline: 500 * time.Millisecond,
		},
	}
}

// Load reads the YAML config at path (optional), applies defaults, then
// applies environment-variable overrides. A missing file is not an error:
// defaults plus environment win.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the recognized environment variables on top of the
// file-based config. Environment always wins.
func (c *Config) applyEnv() {
	if v, ok := lookupBool("REAL_MODE"); ok {
		c.RealMode = v
	}
	if v := os.Getenv("CTF_FLAG"); v != "" {
		c.CTFFlag = v
	}
	if v, ok := lookupBool("ENABLE_ACTION_WHITELIST"); ok {
		c.Remediation.EnableWhitelist = v
	}
	if v, ok := lookupBool("ENABLE_SCHEMA_VALIDATION"); ok {
		c.Remediation.EnableSchema = v
	}
	if v, ok := lookupBool("ENABLE_INPUT_SANITIZATION"); ok {
		c.Remediation.EnableSanitize = v
	}
	if v, ok := lookupInt("APPROVAL_TTL_SECONDS"); ok {
		c.Remediation.ApprovalTTL = time.Duration(v) * time.Second
	}
	if v, ok := lookupInt("BLOCK_TTL_SECONDS"); ok {
		c.Remediation.BlockTTL = time.Duration(v) * time.Second
	}
	if v, ok := lookupInt("RATE_LIMIT_DEFAULT"); ok {
		c.Remediation.RateLimitDefault = v
	}
	if v, ok := lookupInt("CONVERSATION_WINDOW"); ok {
		c.Detection.ConversationWindow = v
	}
	if v, ok := lookupInt("CONVERSATION_TIMEOUT"); ok {
		c.Detection.ConversationTimeout = time.Duration(v) * time.Second
	}
	if v, ok := lookupFloat("SEMANTIC_SIMILARITY_THRESHOLD"); ok {
		c.Detection.SemanticThreshold = v
	}
	if v, ok := lookupFloat("CERTAINTY_HIGH"); ok {
		c.Analyst.CertaintyHigh = v
	}
	if v, ok := lookupFloat("FP_HIGH"); ok {
		c.Analyst.FPHigh = v
	}
	if v, ok := lookupInt("LLM_TIMEOUT_MS"); ok {
		c.LLM.Timeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := lookupInt("EFFECTOR_TIMEOUT_MS"); ok {
		c.Remediation.EffectorTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := lookupInt("DB_TIMEOUT_MS"); ok {
		c.Storage.Timeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := lookupInt("CONNECTION_POOL_SIZE"); ok {
		c.Storage.PoolSize = v
	}
	if v := os.Getenv("SOC_ENVIRONMENT"); v != "" {
		c.Policy.Environment = v
	}
}

func (c *Config) validate() error {
	if c.Storage.PoolSize < 1 {
		return fmt.Errorf("storage.pool_size must be >= 1, got %d", c.Storage.PoolSize)
	}
	if c.Detection.SemanticThreshold < 0 || c.Detection.SemanticThreshold > 1 {
		return fmt.Errorf("detection.semantic_threshold must be in [0,1], got %v", c.Detection.SemanticThreshold)
	}
	if c.Remediation.QueueCapacity < 1 {
		return fmt.Errorf("remediation.queue_capacity must be >= 1, got %d", c.Remediation.QueueCapacity)
	}
	if c.Remediation.Workers < 1 {
		return fmt.Errorf("remediation.workers must be >= 1, got %d", c.Remediation.Workers)
	}
	if c.Detection.ConversationWindow < 3 {
		return fmt.Errorf("detection.conversation_window must be >= 3, got %d", c.Detection.ConversationWindow)
	}
	return nil
}

func lookupBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig          `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig         `mapstructure:"browser" yaml:"browser"`
	Vision    VisionConfig          `mapstructure:"vision" yaml:"vision"`
	Automator AutomatorConfig       `mapstructure:"automator" yaml:"automator"`
	Sites     map[string]SiteConfig `mapstructure:"sites" yaml:"sites"`
	// Credentials are keyed by site name. They normally arrive via environment
	// variables (KEYCLICK_CREDENTIALS_<SITE>_...) rather than the config file.
	Credentials map[string]Credentials `mapstructure:"credentials" yaml:"credentials"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console encoder.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls the chromedp allocator and per-attempt tabs.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ClickHold         time.Duration `mapstructure:"click_hold" yaml:"click_hold"`
}

// VisionConfig controls the vision-inference client used to read keyboard renders.
type VisionConfig struct {
	Provider          string        `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxElapsed        time.Duration `mapstructure:"max_elapsed" yaml:"max_elapsed"`
	Temperature       float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	// RetryDelay separates detection attempts after an empty or unusable
	// key list.
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// AutomatorConfig holds timing and diagnostic settings shared by all sites.
type AutomatorConfig struct {
	StageTimeout      time.Duration `mapstructure:"stage_timeout" yaml:"stage_timeout"`
	PreTypeDelay      time.Duration `mapstructure:"pre_type_delay" yaml:"pre_type_delay"`
	CharDelay         time.Duration `mapstructure:"char_delay" yaml:"char_delay"`
	VerifyTyping      bool          `mapstructure:"verify_typing" yaml:"verify_typing"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval" yaml:"keep_alive_interval"`
	ArtifactsDir      string        `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
	// RevealCharacters controls whether exported character maps include the
	// actual characters. Off by default: artifacts show script classes only.
	RevealCharacters bool `mapstructure:"reveal_characters" yaml:"reveal_characters"`
}

// SiteConfig describes one portal. Sites differ only in configuration and the
// named hooks they reference; the pipeline itself is shared.
type SiteConfig struct {
	Name               string   `mapstructure:"name" yaml:"name"`
	LoginURL           string   `mapstructure:"login_url" yaml:"login_url"`
	IdentifierSelector string   `mapstructure:"identifier_selector" yaml:"identifier_selector"`
	PasswordSelector   string   `mapstructure:"password_selector" yaml:"password_selector"`
	SubmitSelector     string   `mapstructure:"submit_selector" yaml:"submit_selector"`
	SuccessSelector    string   `mapstructure:"success_selector" yaml:"success_selector"`
	SuccessURLPrefix   string   `mapstructure:"success_url_prefix" yaml:"success_url_prefix"`
	LowerLocators      []string `mapstructure:"lower_locators" yaml:"lower_locators"`
	UpperLocators      []string `mapstructure:"upper_locators" yaml:"upper_locators"`
	ShiftPatterns      []string `mapstructure:"shift_patterns" yaml:"shift_patterns"`
	RequiresShiftKey   bool     `mapstructure:"requires_shift_key" yaml:"requires_shift_key"`
	// StickyShift marks keyboards that stay shifted until the shift key is
	// clicked again; the default is one-shot shift that auto-reverts.
	StickyShift bool `mapstructure:"sticky_shift" yaml:"sticky_shift"`
	// Named override hooks, resolved against the automator's hook registry.
	IdentifierHook string `mapstructure:"identifier_hook" yaml:"identifier_hook"`
	PopupHook      string `mapstructure:"popup_hook" yaml:"popup_hook"`
}

// Credentials supplies the identifier/password pair for one attempt.
// Neither field is ever logged in full.
type Credentials struct {
	Identifier string `mapstructure:"identifier" yaml:"identifier"`
	Password   string `mapstructure:"password" yaml:"password"`
}

// SetDefaults registers default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "keyclick")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", 30*time.Second)
	v.SetDefault("browser.settle_delay", 500*time.Millisecond)
	v.SetDefault("browser.click_hold", 60*time.Millisecond)

	v.SetDefault("vision.provider", "gemini")
	v.SetDefault("vision.model", "gemini-2.0-flash")
	v.SetDefault("vision.api_timeout", 45*time.Second)
	v.SetDefault("vision.max_elapsed", 2*time.Minute)
	v.SetDefault("vision.temperature", 0.0)
	v.SetDefault("vision.max_attempts", 3)
	v.SetDefault("vision.retry_delay", time.Second)
	v.SetDefault("vision.requests_per_minute", 12)

	v.SetDefault("automator.stage_timeout", 60*time.Second)
	v.SetDefault("automator.pre_type_delay", 500*time.Millisecond)
	v.SetDefault("automator.char_delay", 120*time.Millisecond)
	v.SetDefault("automator.verify_typing", true)
	v.SetDefault("automator.keep_alive_interval", 90*time.Second)
}

// Load reads the config file (if any), applies environment overrides and
// returns the validated configuration.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("KEYCLICK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults and env vars.
	}

	// AutomaticEnv values are invisible to Unmarshal unless the key is known
	// from a default or the config file. Credentials have neither, so bind
	// each configured site's pair explicitly.
	for name := range v.GetStringMap("sites") {
		_ = v.BindEnv("credentials." + name + ".identifier")
		_ = v.BindEnv("credentials." + name + ".password")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the pipeline depends on.
func (c *Config) Validate() error {
	if c.Vision.MaxAttempts < 1 {
		return fmt.Errorf("vision.max_attempts must be at least 1, got %d", c.Vision.MaxAttempts)
	}
	for name, site := range c.Sites {
		if site.LoginURL == "" {
			return fmt.Errorf("site %q: login_url is required", name)
		}
		if len(site.LowerLocators) == 0 {
			return fmt.Errorf("site %q: at least one lower keyboard locator is required", name)
		}
		if site.PasswordSelector == "" {
			return fmt.Errorf("site %q: password_selector is required", name)
		}
	}
	return nil
}

// Site returns the configuration for the named site, with the name filled in.
func (c *Config) Site(name string) (SiteConfig, error) {
	site, ok := c.Sites[name]
	if !ok {
		return SiteConfig{}, fmt.Errorf("site %q not present in configuration", name)
	}
	site.Name = name
	return site, nil
}

// CredentialsFor returns the credential pair for the named site.
func (c *Config) CredentialsFor(name string) (Credentials, error) {
	creds, ok := c.Credentials[name]
	if !ok || creds.Identifier == "" || creds.Password == "" {
		return Credentials{}, fmt.Errorf("no credentials configured for site %q", name)
	}
	return creds, nil
}

// MaskIdentifier returns a log-safe form of an account identifier.
func MaskIdentifier(id string) string {
	runes := []rune(id)
	if len(runes) <= 2 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:2]) + strings.Repeat("*", len(runes)-2)
}

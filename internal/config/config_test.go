// File: internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSite() SiteConfig {
	return SiteConfig{
		LoginURL:         "https://portal.example/login",
		PasswordSelector: "#pw",
		LowerLocators:    []string{"#keypad"},
	}
}

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	assert.Equal(t, "info", v.GetString("logger.level"))
	assert.Equal(t, "console", v.GetString("logger.format"))
	assert.True(t, v.GetBool("browser.headless"))
	assert.Equal(t, "gemini", v.GetString("vision.provider"))
	assert.Equal(t, 3, v.GetInt("vision.max_attempts"))
	assert.Equal(t, time.Second, v.GetDuration("vision.retry_delay"))
	assert.Equal(t, 60*time.Second, v.GetDuration("automator.stage_timeout"))
	assert.True(t, v.GetBool("automator.verify_typing"))
	assert.False(t, v.GetBool("automator.reveal_characters"))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logger:
  level: debug
vision:
  api_key: test-key
sites:
  portal:
    login_url: https://portal.example/login
    password_selector: "#pw"
    submit_selector: "#submit"
    lower_locators: ["#keypad"]
    requires_shift_key: true
    shift_patterns: ["대소문자"]
credentials:
  portal:
    identifier: user01
    password: secret
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "test-key", cfg.Vision.APIKey)

	site, err := cfg.Site("portal")
	require.NoError(t, err)
	assert.Equal(t, "portal", site.Name)
	assert.True(t, site.RequiresShiftKey)
	assert.Equal(t, []string{"대소문자"}, site.ShiftPatterns)

	creds, err := cfg.CredentialsFor("portal")
	require.NoError(t, err)
	assert.Equal(t, "user01", creds.Identifier)
}

func TestLoadCredentialsFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
vision:
  api_key: test-key
sites:
  portal:
    login_url: https://portal.example/login
    password_selector: "#pw"
    lower_locators: ["#keypad"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("KEYCLICK_CREDENTIALS_PORTAL_IDENTIFIER", "envuser")
	t.Setenv("KEYCLICK_CREDENTIALS_PORTAL_PASSWORD", "envsecret")

	cfg, err := Load(path)
	require.NoError(t, err)

	creds, err := cfg.CredentialsFor("portal")
	require.NoError(t, err, "env-supplied credentials must survive Unmarshal")
	assert.Equal(t, "envuser", creds.Identifier)
	assert.Equal(t, "envsecret", creds.Password)
}

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	// No config.yaml on the default search path: defaults plus env only.
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 3, cfg.Vision.MaxAttempts)
	assert.Empty(t, cfg.Sites)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err, "an explicitly named config file must exist")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Vision: VisionConfig{MaxAttempts: 3},
			Sites:  map[string]SiteConfig{"portal": validSite()},
		}
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})

	t.Run("zero vision attempts", func(t *testing.T) {
		cfg := base()
		cfg.Vision.MaxAttempts = 0
		require.Error(t, cfg.Validate())
	})

	t.Run("missing login url", func(t *testing.T) {
		cfg := base()
		site := cfg.Sites["portal"]
		site.LoginURL = ""
		cfg.Sites["portal"] = site
		require.Error(t, cfg.Validate())
	})

	t.Run("missing lower locators", func(t *testing.T) {
		cfg := base()
		site := cfg.Sites["portal"]
		site.LowerLocators = nil
		cfg.Sites["portal"] = site
		require.Error(t, cfg.Validate())
	})

	t.Run("missing password selector", func(t *testing.T) {
		cfg := base()
		site := cfg.Sites["portal"]
		site.PasswordSelector = ""
		cfg.Sites["portal"] = site
		require.Error(t, cfg.Validate())
	})
}

func TestSiteUnknown(t *testing.T) {
	cfg := &Config{Sites: map[string]SiteConfig{}}
	_, err := cfg.Site("ghost")
	require.Error(t, err)
}

func TestCredentialsFor(t *testing.T) {
	cfg := &Config{Credentials: map[string]Credentials{
		"portal":  {Identifier: "user01", Password: "secret"},
		"partial": {Identifier: "user02"},
	}}

	_, err := cfg.CredentialsFor("portal")
	require.NoError(t, err)

	_, err = cfg.CredentialsFor("partial")
	require.Error(t, err, "a credential pair missing either half is unusable")

	_, err = cfg.CredentialsFor("ghost")
	require.Error(t, err)
}

func TestMaskIdentifier(t *testing.T) {
	assert.Equal(t, "us****", MaskIdentifier("user01"))
	assert.Equal(t, "**", MaskIdentifier("ab"))
	assert.Equal(t, "*", MaskIdentifier("a"))
	assert.Equal(t, "", MaskIdentifier(""))
	assert.Equal(t, "한국***", MaskIdentifier("한국어아이디"))
}

// Package config loads mailkeeper's configuration from environment
// variables (and an optional YAML file) via viper, following the
// config-loading idiom used elsewhere in the wider email-tooling corpus
// this project draws from.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Account holds the IMAP connection details for one mailbox.
type Account struct {
	Name         string
	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string
}

// Config is mailkeeper's full runtime configuration.
type Config struct {
	DatabasePath string
	LogLevel     string
	SearchLimit  int

	ListenerDir string

	HTTPAddr string

	AnthropicAPIKey string

	Accounts []Account
}

// Load reads configuration from the environment (and config.yaml in the
// working directory, if present). No other location is searched for the
// config file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("imap_host", "imap.gmail.com")
	v.SetDefault("imap_port", 993)
	v.SetDefault("database_path", "./mailkeeper.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("search_result_limit", 30)
	v.SetDefault("listener_dir", "./listeners")
	v.SetDefault("http_addr", ":8080")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		DatabasePath:    v.GetString("database_path"),
		LogLevel:        v.GetString("log_level"),
		SearchLimit:     v.GetInt("search_result_limit"),
		ListenerDir:     v.GetString("listener_dir"),
		HTTPAddr:        v.GetString("http_addr"),
		AnthropicAPIKey: v.GetString("anthropic_api_key"),
	}

	email := firstNonEmpty(v.GetString("email_address"), v.GetString("email_user"))
	password := firstNonEmpty(v.GetString("email_app_password"), v.GetString("email_pass"))
	if email != "" && password != "" {
		cfg.Accounts = append(cfg.Accounts, Account{
			Name:         "default",
			IMAPHost:     v.GetString("imap_host"),
			IMAPPort:     v.GetInt("imap_port"),
			IMAPUsername: email,
			IMAPPassword: password,
		})
	}
	cfg.Accounts = append(cfg.Accounts, loadNumberedAccounts(v)...)

	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("no mailbox accounts configured: set EMAIL_ADDRESS/EMAIL_APP_PASSWORD (or EMAIL_USER/EMAIL_PASS) for a single account, or ACCOUNT_1_NAME/ACCOUNT_1_IMAP_HOST/... for multiple")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadNumberedAccounts reads ACCOUNT_1_*, ACCOUNT_2_*, ... until a NAME is
// missing, the same numbered-account shape the teacher's config loader
// uses for multi-mailbox setups.
func loadNumberedAccounts(v *viper.Viper) []Account {
	var accounts []Account
	for num := 1; ; num++ {
		prefix := fmt.Sprintf("account_%d_", num)
		name := v.GetString(prefix + "name")
		if name == "" {
			break
		}
		port := v.GetInt(prefix + "imap_port")
		if port == 0 {
			port = 993
		}
		accounts = append(accounts, Account{
			Name:         name,
			IMAPHost:     v.GetString(prefix + "imap_host"),
			IMAPPort:     port,
			IMAPUsername: v.GetString(prefix + "imap_username"),
			IMAPPassword: v.GetString(prefix + "imap_password"),
		})
	}
	return accounts
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	if c.SearchLimit < 1 || c.SearchLimit > 1000 {
		return fmt.Errorf("search result limit must be between 1 and 1000")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}
	for _, acc := range c.Accounts {
		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: imap host is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid imap port", acc.Name)
		}
		if acc.IMAPUsername == "" || acc.IMAPPassword == "" {
			return fmt.Errorf("account %s: imap credentials are required", acc.Name)
		}
	}
	return nil
}

// GetAccountByName finds an account by name.
func (c *Config) GetAccountByName(name string) (*Account, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// DefaultAccount returns the first account (preferring one literally named
// "default").
func (c *Config) DefaultAccount() *Account {
	if len(c.Accounts) == 0 {
		return nil
	}
	for i := range c.Accounts {
		if c.Accounts[i].Name == "default" {
			return &c.Accounts[i]
		}
	}
	return &c.Accounts[0]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

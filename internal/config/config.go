// Package config loads and validates the daemon's YAML configuration.
// The telegram, speedtest and mobile_provider sections are optional;
// features depending on an absent section are simply not wired up.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses human-readable durations ("30s", "12h") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Telegram configures the notification dispatcher.
type Telegram struct {
	BotToken       string   `yaml:"bot_token"`
	MessageTimeout Duration `yaml:"message_timeout"`
	RetryCrontab   string   `yaml:"retry_crontab"`
}

// SpeedTest configures the uplink benchmark job.
type SpeedTest struct {
	CLIPath string `yaml:"speedtest_cli_path"`
	Server  string `yaml:"server"`
	Crontab string `yaml:"crontab"`
}

// MobileProvider configures the prepaid balance and tariff machinery.
type MobileProvider struct {
	GetBalanceCommand         string   `yaml:"get_balance_command"`
	ModemRestartCommand       string   `yaml:"modem_restart_command"`
	UpdateTariffCommand       string   `yaml:"update_tariff_command"`
	GetBalanceCrontab         string   `yaml:"get_balance_crontab"`
	BalanceRetries            int      `yaml:"balance_retries"`
	BalanceRetryDelay         Duration `yaml:"balance_retry_delay"`
	LowBalanceThreshold       float64  `yaml:"low_balance_threshold"`
	LowDownloadSpeedThreshold float64  `yaml:"low_download_speed_threshold"`
	MinUpdateTariffInterval   Duration `yaml:"min_update_tariff_interval"`
	TelegramChatIDs           []string `yaml:"telegram_chat_ids"`
	PhoneNumber               string   `yaml:"phone_number"`
}

type Config struct {
	LogLevel            string   `yaml:"log_level"`
	HTTPListen          string   `yaml:"http_listen"`
	IPSetACLName        string   `yaml:"ipset_acl_name"`
	IPSetShaperName     string   `yaml:"ipset_shaper_name"`
	BytesUnlimitedLimit uint64   `yaml:"bytes_unlimited_limit"`
	BlacklistedMACs     []string `yaml:"blacklisted_macs"`

	PersistentStatePath string `yaml:"persistent_state_path"`
	DHCPLeasesPath      string `yaml:"dhcp_leases_path"`
	HostapControlPath   string `yaml:"hostap_control_path"`

	WideNetworkIP       string `yaml:"wide_network_ip"`
	ReachabilityCrontab string `yaml:"reachability_crontab"`
	PrivilegedPing      bool   `yaml:"privileged_ping"`

	SpeedTest      *SpeedTest      `yaml:"speedtest,omitempty"`
	Telegram       *Telegram       `yaml:"telegram,omitempty"`
	MobileProvider *MobileProvider `yaml:"mobile_provider,omitempty"`
}

// Read loads the config file, applies defaults and validates it.
func Read(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config file %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPListen == "" {
		c.HTTPListen = ":8080"
	}
	if c.ReachabilityCrontab == "" {
		c.ReachabilityCrontab = "@every 1m"
	}
	if c.Telegram != nil && c.Telegram.MessageTimeout == 0 {
		c.Telegram.MessageTimeout = Duration(12 * time.Hour)
	}
	if mp := c.MobileProvider; mp != nil {
		if mp.BalanceRetries == 0 {
			mp.BalanceRetries = 3
		}
		if mp.BalanceRetryDelay == 0 {
			mp.BalanceRetryDelay = Duration(5 * time.Second)
		}
	}
}

func (c *Config) Validate() error {
	if c.IPSetACLName == "" {
		return fmt.Errorf("ipset_acl_name is required")
	}
	if c.IPSetShaperName == "" {
		return fmt.Errorf("ipset_shaper_name is required")
	}
	if c.PersistentStatePath == "" {
		return fmt.Errorf("persistent_state_path is required")
	}
	if c.WideNetworkIP == "" {
		return fmt.Errorf("wide_network_ip is required")
	}
	if t := c.Telegram; t != nil {
		if t.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required")
		}
		if t.RetryCrontab == "" {
			return fmt.Errorf("telegram.retry_crontab is required")
		}
	}
	if s := c.SpeedTest; s != nil {
		if s.CLIPath == "" {
			return fmt.Errorf("speedtest.speedtest_cli_path is required")
		}
		if s.Crontab == "" {
			return fmt.Errorf("speedtest.crontab is required")
		}
	}
	if mp := c.MobileProvider; mp != nil {
		if mp.GetBalanceCommand == "" {
			return fmt.Errorf("mobile_provider.get_balance_command is required")
		}
		if mp.UpdateTariffCommand == "" {
			return fmt.Errorf("mobile_provider.update_tariff_command is required")
		}
		if mp.PhoneNumber == "" {
			return fmt.Errorf("mobile_provider.phone_number is required")
		}
		if c.Telegram == nil && len(mp.TelegramChatIDs) > 0 {
			return fmt.Errorf("mobile_provider.telegram_chat_ids set but telegram is not configured")
		}
	}
	return nil
}

// Dump renders the parsed configuration back to YAML, for the
// -dump-config typo check.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("dump config: %w", err)
	}
	return string(out), nil
}

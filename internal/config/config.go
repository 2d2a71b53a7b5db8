package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config represents the hermes.json configuration file
type Config struct {
	Version  string   `json:"version"`
	WorkDir  string   `json:"work_dir"`
	StateDir string   `json:"state_dir"`
	Executor Executor `json:"executor"`
	Refiner  Refiner  `json:"refiner"`
	Channels Channels `json:"channels"`
	Dedup    Dedup    `json:"dedup"`
	Reply    Reply    `json:"reply"`
}

// Executor configures the external agent subprocess
type Executor struct {
	Cmd            []string `json:"cmd"`
	TimeoutS       int      `json:"timeout_s"`
	VerifyWindowS  int      `json:"verify_window_s"`
	OutputMaxBytes int      `json:"output_max_bytes"`
}

// Refiner configures the LLM that turns raw requests into agent prompts.
// When Enabled is false, requests pass through with wake-word stripping only.
type Refiner struct {
	Enabled   bool   `json:"enabled"`
	APIKeyEnv string `json:"api_key_env"`
	BaseURL   string `json:"base_url,omitempty"`
	Model     string `json:"model"`
}

// Channels configures the ingestion adapters
type Channels struct {
	Maildir Maildir `json:"maildir"`
	Chat    Chat    `json:"chat"`
}

// Maildir configures the mail channel adapter
type Maildir struct {
	Enabled       bool   `json:"enabled"`
	InboxDir      string `json:"inbox_dir"`
	OutboxDir     string `json:"outbox_dir"`
	PollIntervalS int    `json:"poll_interval_s"`
}

// Chat configures the chat webhook adapter
type Chat struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
	SendURL    string `json:"send_url"`
}

// Dedup configures duplicate-request absorption
type Dedup struct {
	WindowS int `json:"window_s"`
}

// Reply configures delivery retries for result messages
type Reply struct {
	MaxAttempts int `json:"max_attempts"`
	BackoffMs   int `json:"backoff_ms"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:  "1.0",
		WorkDir:  ".",
		StateDir: ".hermes",
		Executor: Executor{
			Cmd:            []string{"claude", "-p"},
			TimeoutS:       600,
			VerifyWindowS:  30,
			OutputMaxBytes: 262144,
		},
		Refiner: Refiner{
			Enabled:   true,
			APIKeyEnv: "OPENAI_API_KEY",
			Model:     "gpt-4o-mini",
		},
		Channels: Channels{
			Maildir: Maildir{
				Enabled:       true,
				InboxDir:      "inbox",
				OutboxDir:     "outbox",
				PollIntervalS: 5,
			},
			Chat: Chat{
				Enabled:    false,
				ListenAddr: "127.0.0.1:8137",
				SendURL:    "http://127.0.0.1:8138/v1/send",
			},
		},
		Dedup: Dedup{
			WindowS: 600,
		},
		Reply: Reply{
			MaxAttempts: 3,
			BackoffMs:   1000,
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if len(c.Executor.Cmd) == 0 {
		return fmt.Errorf("configuration error: 'executor.cmd' is empty\n\nHint: Specify the agent command to run:\n  \"executor\": {\n    \"cmd\": [\"claude\", \"-p\"]\n  }")
	}

	if c.Executor.TimeoutS <= 0 {
		return fmt.Errorf("configuration error: invalid 'executor.timeout_s' value: %d\n\nHint: The execution deadline must be positive, e.g.:\n  \"timeout_s\": 600", c.Executor.TimeoutS)
	}

	if c.Executor.VerifyWindowS <= 0 {
		return fmt.Errorf("configuration error: invalid 'executor.verify_window_s' value: %d\n\nHint: The verification window must be positive, e.g.:\n  \"verify_window_s\": 30", c.Executor.VerifyWindowS)
	}

	if !c.Channels.Maildir.Enabled && !c.Channels.Chat.Enabled {
		return fmt.Errorf("configuration error: no channel enabled\n\nHint: Enable at least one channel:\n  \"channels\": {\n    \"maildir\": {\"enabled\": true, \"inbox_dir\": \"inbox\", \"outbox_dir\": \"outbox\"}\n  }")
	}

	if c.Channels.Maildir.Enabled {
		if c.Channels.Maildir.InboxDir == "" || c.Channels.Maildir.OutboxDir == "" {
			return fmt.Errorf("configuration error: maildir channel is enabled but 'inbox_dir' or 'outbox_dir' is empty\n\nHint: Point both at directories the mail pipeline uses:\n  \"maildir\": {\n    \"inbox_dir\": \"inbox\",\n    \"outbox_dir\": \"outbox\"\n  }")
		}
	}

	if c.Channels.Chat.Enabled {
		if c.Channels.Chat.ListenAddr == "" {
			return fmt.Errorf("configuration error: chat channel is enabled but 'listen_addr' is empty\n\nHint: Set the webhook listen address:\n  \"chat\": {\n    \"listen_addr\": \"127.0.0.1:8137\"\n  }")
		}
		if c.Channels.Chat.SendURL == "" {
			return fmt.Errorf("configuration error: chat channel is enabled but 'send_url' is empty\n\nHint: Set the bot gateway send endpoint:\n  \"chat\": {\n    \"send_url\": \"http://127.0.0.1:8138/v1/send\"\n  }")
		}
	}

	if c.Refiner.Enabled && c.Refiner.Model == "" {
		return fmt.Errorf("configuration error: refiner is enabled but 'model' is empty\n\nHint: Name the model to refine with:\n  \"refiner\": {\n    \"model\": \"gpt-4o-mini\"\n  }")
	}

	if c.Dedup.WindowS < 0 {
		return fmt.Errorf("configuration error: invalid 'dedup.window_s' value: %d\n\nHint: Use 0 to disable deduplication or a positive window in seconds:\n  \"dedup\": {\"window_s\": 600}", c.Dedup.WindowS)
	}

	if c.Reply.MaxAttempts <= 0 {
		return fmt.Errorf("configuration error: invalid 'reply.max_attempts' value: %d\n\nHint: Delivery needs at least one attempt:\n  \"reply\": {\"max_attempts\": 3}", c.Reply.MaxAttempts)
	}

	return nil
}

// ExecTimeout returns the execution deadline as a duration
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutS) * time.Second
}

// VerifyWindow returns the timeout verification window as a duration
func (c *Config) VerifyWindow() time.Duration {
	return time.Duration(c.Executor.VerifyWindowS) * time.Second
}

// PollInterval returns the maildir fallback scan cadence as a duration
func (m *Maildir) PollInterval() time.Duration {
	if m.PollIntervalS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.PollIntervalS) * time.Second
}

// DedupWindow returns the duplicate-absorption window as a duration
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Dedup.WindowS) * time.Second
}

// ReplyBackoff returns the initial delivery retry backoff as a duration
func (c *Config) ReplyBackoff() time.Duration {
	return time.Duration(c.Reply.BackoffMs) * time.Millisecond
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// Package config manages YAML-based configuration, CLI flags, and the set
// of managed clients.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/CageChen/vfshub/internal/logging"
	"github.com/CageChen/vfshub/internal/retry"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Client sources.
const (
	SourceRemote = "remote"
	SourceLocal  = "local"
	SourceGit    = "git"
)

var (
	// ErrClientExists is returned when adding a client ID twice.
	ErrClientExists = errors.New("client already configured")
	// ErrClientNotFound is returned for an unconfigured client ID.
	ErrClientNotFound = errors.New("client not configured")
	// ErrInvalidClient is returned for a client entry that cannot be served.
	ErrInvalidClient = errors.New("invalid client")
)

// Client is a managed client whose VFS can be browsed.
type Client struct {
	ID    string `yaml:"id" json:"id"`
	Alias string `yaml:"alias,omitempty" json:"alias"`
	// Source is remote, local or git; remote when empty.
	Source string `yaml:"source,omitempty" json:"source"`
	// Path is the directory or repository backing a local or git client.
	Path    string   `yaml:"path,omitempty" json:"path,omitempty"`
	GitRef  string   `yaml:"git_ref,omitempty" json:"git_ref,omitempty"`
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// Backend locates the collection backend.
type Backend struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token,omitempty"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Retry        retry.Config  `yaml:"retry"`
}

// Preview configures file content rendering.
type Preview struct {
	MarkdownExtensions []string `yaml:"markdown_extensions"`
	Style              string   `yaml:"style"`
	MaxBytes           int64    `yaml:"max_bytes"`
}

// Config holds all configuration options for vfshub
type Config struct {
	Port    int            `yaml:"port"`
	Watch   bool           `yaml:"watch"`
	Open    bool           `yaml:"open"`
	Backend Backend        `yaml:"backend"`
	Clients []Client       `yaml:"clients,omitempty" json:"clients"`
	Exclude []string       `yaml:"exclude"`
	Preview Preview        `yaml:"preview"`
	Log     logging.Config `yaml:"log"`

	// Internal: path to config file for saving
	configPath string
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Port:  8080,
		Watch: true,
		Backend: Backend{
			URL:          "http://localhost:8000",
			Timeout:      30 * time.Second,
			PollInterval: time.Second,
			Retry:        retry.DefaultConfig(),
		},
		Exclude: []string{".git", ".svn"},
		Preview: Preview{
			MarkdownExtensions: []string{".md", ".markdown"},
			Style:              "monokai",
			MaxBytes:           4 << 20,
		},
		Log: logging.Config{Level: "info", Format: "console"},
	}
}

// GetConfigDir returns the config directory path
func GetConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/vfshub"
	}
	return filepath.Join(home, ".config", "vfshub")
}

// GetConfigPath returns the full path to the config file
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// Load loads configuration from file and command line flags
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load with explicit command line arguments.
func LoadArgs(args []string) (*Config, error) {
	cfg := DefaultConfig()

	// Accept `vfshub serve --port 9000`.
	if len(args) > 0 && args[0] == "serve" {
		args = args[1:]
	}

	flags := pflag.NewFlagSet("vfshub", pflag.ContinueOnError)
	port := flags.IntP("port", "p", 0, "HTTP server port")
	backendURL := flags.String("backend", "", "Backend base URL")
	token := flags.String("token", "", "Backend API token")
	localDir := flags.String("local", "", "Serve a local directory as client 'local'")
	watch := flags.Bool("watch", true, "Watch local clients for changes")
	open := flags.Bool("open", false, "Open browser on startup")
	logLevel := flags.String("log-level", "", "Log level (debug, info, warn, error)")
	configFile := flags.StringP("config", "c", "", "Configuration file path")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	// Determine config file path
	var cfgPath string
	if *configFile != "" {
		cfgPath = *configFile
	} else {
		globalConfig := GetConfigPath()
		if _, err := os.Stat(globalConfig); err == nil {
			cfgPath = globalConfig
		} else if _, err := os.Stat("vfshub.yaml"); err == nil {
			cfgPath = "vfshub.yaml"
		}
	}

	if cfgPath != "" {
		if err := cfg.loadFromFile(cfgPath); err != nil && *configFile != "" {
			// Only fail if the user named the file.
			return nil, err
		}
		cfg.configPath = cfgPath
	} else {
		cfg.configPath = GetConfigPath()
	}

	// Command line flags override config file (only if explicitly set)
	if *port != 0 {
		cfg.Port = *port
	}
	if *backendURL != "" {
		cfg.Backend.URL = *backendURL
	}
	if *token != "" {
		cfg.Backend.Token = *token
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if flags.Changed("watch") {
		cfg.Watch = *watch
	}
	if flags.Changed("open") {
		cfg.Open = *open
	}
	if *localDir != "" {
		cfg.Clients = []Client{{ID: "local", Source: SourceLocal, Path: *localDir}}
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize fills defaults and resolves local paths to absolute.
func (c *Config) normalize() error {
	seen := make(map[string]bool, len(c.Clients))
	for i := range c.Clients {
		if err := c.Clients[i].normalize(); err != nil {
			return err
		}
		if seen[c.Clients[i].ID] {
			return fmt.Errorf("%w: %s", ErrClientExists, c.Clients[i].ID)
		}
		seen[c.Clients[i].ID] = true
	}
	return nil
}

func (cl *Client) normalize() error {
	if cl.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidClient)
	}
	if cl.Source == "" {
		cl.Source = SourceRemote
	}
	switch cl.Source {
	case SourceRemote:
	case SourceLocal, SourceGit:
		if cl.Path == "" {
			return fmt.Errorf("%w: %s: %s source needs a path", ErrInvalidClient, cl.ID, cl.Source)
		}
		if abs, err := filepath.Abs(cl.Path); err == nil {
			cl.Path = abs
		}
	default:
		return fmt.Errorf("%w: %s: unknown source %q", ErrInvalidClient, cl.ID, cl.Source)
	}
	if cl.Alias == "" {
		cl.Alias = cl.ID
		if cl.Source != SourceRemote {
			cl.Alias = filepath.Base(cl.Path)
		}
		if cl.GitRef != "" {
			cl.Alias += " (" + cl.GitRef + ")"
		}
	}
	return nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// Save saves the current configuration to the config file
func (c *Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.configPath), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.configPath, data, 0644)
}

// GetConfigFilePath returns the path to the config file
func (c *Config) GetConfigFilePath() string {
	return c.configPath
}

// SetConfigFilePath sets where Save writes.
func (c *Config) SetConfigFilePath(p string) {
	c.configPath = p
}

// Client returns the client with the given ID.
func (c *Config) Client(id string) (Client, bool) {
	for _, cl := range c.Clients {
		if cl.ID == id {
			return cl, true
		}
	}
	return Client{}, false
}

// AddClient validates cl and appends it.
func (c *Config) AddClient(cl Client) (Client, error) {
	if err := cl.normalize(); err != nil {
		return Client{}, err
	}
	if _, ok := c.Client(cl.ID); ok {
		return Client{}, fmt.Errorf("%w: %s", ErrClientExists, cl.ID)
	}
	c.Clients = append(c.Clients, cl)
	return cl, nil
}

// UpdateClient replaces the client with cl.ID.
func (c *Config) UpdateClient(cl Client) (Client, error) {
	if err := cl.normalize(); err != nil {
		return Client{}, err
	}
	for i := range c.Clients {
		if c.Clients[i].ID == cl.ID {
			c.Clients[i] = cl
			return cl, nil
		}
	}
	return Client{}, fmt.Errorf("%w: %s", ErrClientNotFound, cl.ID)
}

// RemoveClient removes the client with the given ID.
func (c *Config) RemoveClient(id string) error {
	for i := range c.Clients {
		if c.Clients[i].ID == id {
			c.Clients = append(c.Clients[:i], c.Clients[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrClientNotFound, id)
}

// SetGlobalExclude sets the global exclude patterns
func (c *Config) SetGlobalExclude(patterns []string) {
	c.Exclude = patterns
}

// IsExcluded checks if a VFS path should be hidden by the global excludes.
func (c *Config) IsExcluded(p string) bool {
	base := path.Base(p)
	for _, exclude := range c.Exclude {
		if matched, _ := path.Match(exclude, base); matched {
			return true
		}
	}
	return false
}

// IsClientExcluded checks a VFS path against a client's own excludes. A
// pattern matches the whole path, the base name, or a path prefix.
func IsClientExcluded(p string, excludes []string) bool {
	rel := strings.TrimPrefix(p, "/")
	for _, pattern := range excludes {
		if matched, _ := path.Match(pattern, rel); matched {
			return true
		}
		if matched, _ := path.Match(pattern, path.Base(rel)); matched {
			return true
		}
		clean := strings.Trim(path.Clean("/"+pattern), "/")
		if clean != "" && (rel == clean || strings.HasPrefix(rel, clean+"/")) {
			return true
		}
	}
	return false
}

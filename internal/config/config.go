// Package config loads and persists per-repository settings stored in
// .escarabajo/config.yaml.
//
// Missing keys fall back to Default. Partial updates are deep-merged into
// the effective configuration and written back.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/escarabajo/internal/fsutil"
	"github.com/dshills/escarabajo/pkg/types"
)

const (
	// DirName is the workspace directory inside the repository root
	DirName = ".escarabajo"
	// FileName is the configuration file inside DirName
	FileName = "config.yaml"

	// EnvRepo overrides the repository root for the server and CLI
	EnvRepo = "ESCARABAJO_REPO"
	// EnvLogLevel overrides log.level
	EnvLogLevel = "ESCARABAJO_LOG_LEVEL"
)

// Config is the effective configuration for one repository
type Config struct {
	KBDir            string        `yaml:"kb_dir"`
	Globs            []string      `yaml:"globs"`
	ExcludeGlobs     []string      `yaml:"exclude_globs"`
	RespectGitignore bool          `yaml:"respect_gitignore"`
	OCR              bool          `yaml:"ocr"`
	ExposeContent    bool          `yaml:"expose_content"`
	SkipUnchanged    bool          `yaml:"skip_unchanged"`
	Workers          int           `yaml:"workers"`
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	ExtractTimeout   time.Duration `yaml:"extract_timeout"`
	OnCorruptLedger  string        `yaml:"on_corrupt_ledger"`
	History          bool          `yaml:"history"`

	PDF  PDFConfig  `yaml:"pdf"`
	PPTX PPTXConfig `yaml:"pptx"`
	DOCX DOCXConfig `yaml:"docx"`
	Log  LogConfig  `yaml:"log"`
}

// PDFConfig holds PDF extraction options
type PDFConfig struct {
	PageDelimiter string `yaml:"page_delimiter"`
}

// PPTXConfig holds PPTX extraction options
type PPTXConfig struct {
	SlideDelimiter string `yaml:"slide_delimiter"`
}

// DOCXConfig holds DOCX extraction options
type DOCXConfig struct {
	KeepTables bool `yaml:"keep_tables"`
}

// LogConfig configures logging. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		KBDir:           DirName + "/kb",
		Globs:           []string{"**/*.docx", "**/*.pptx", "**/*.pdf"},
		ExcludeGlobs:    []string{".git/**", DirName + "/**", "node_modules/**", "**/~$*", "**/*.tmp"},
		LockTimeout:     10 * time.Minute,
		OnCorruptLedger: "abort",
		History:         true,
		PDF:             PDFConfig{PageDelimiter: "--- page {n} ---"},
		PPTX:            PPTXConfig{SlideDelimiter: "--- slide {n} ---"},
		DOCX:            DOCXConfig{KeepTables: true},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate checks the configuration for values the engine cannot use
func (c *Config) Validate() error {
	if strings.TrimSpace(c.KBDir) == "" {
		return errors.New("kb_dir must not be empty")
	}
	if len(c.Globs) == 0 {
		return errors.New("globs must not be empty")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if c.LockTimeout < 0 || c.ExtractTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	switch c.OnCorruptLedger {
	case "abort", "rebuild":
	default:
		return fmt.Errorf("on_corrupt_ledger must be abort or rebuild, got %q", c.OnCorruptLedger)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// ApplyEnv overlays environment overrides
func (c *Config) ApplyEnv() {
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		c.Log.Level = lvl
	}
}

// Map returns the configuration as a generic map, the shape callers see
// and send back in partial updates
func (c Config) Map() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return m, nil
}

// Path returns the configuration file path for the repository root
func Path(root string) string {
	return filepath.Join(root, DirName, FileName)
}

// Load reads the repository configuration overlaid on Default. A missing
// file yields the defaults.
func Load(root string) (Config, error) {
	m, err := loadMap(root)
	if err != nil {
		return Config{}, err
	}
	cfg, err := fromMap(m)
	if err != nil {
		return Config{}, err
	}
	if _, err := ResolvePaths(root, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Ensure creates the workspace directory and a default configuration file
// when missing, then loads it
func Ensure(root string) (Config, error) {
	path := Path(root)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := Save(root, Default()); err != nil {
			return Config{}, err
		}
	} else if err != nil {
		return Config{}, fmt.Errorf("stat config: %w", err)
	}
	return Load(root)
}

// Save writes cfg to the repository configuration file
func Save(root string, cfg Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := fsutil.WriteFile(Path(root), buf.Bytes()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Update deep-merges updates into the effective configuration, validates
// and persists the result. Nothing is written if the merged
// configuration is invalid.
func Update(root string, updates map[string]any) (Config, error) {
	m, err := loadMap(root)
	if err != nil {
		return Config{}, err
	}
	cfg, err := fromMap(Merge(m, updates))
	if err != nil {
		return Config{}, err
	}
	if _, err := ResolvePaths(root, cfg); err != nil {
		return Config{}, err
	}
	if err := Save(root, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Merge returns base recursively overlaid with overrides. Nested maps merge
// key by key; any other value replaces the base value.
func Merge(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		bm, bok := out[k].(map[string]any)
		om, ook := v.(map[string]any)
		if bok && ook {
			out[k] = Merge(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}

// loadMap returns the defaults merged with the file contents
func loadMap(root string) (map[string]any, error) {
	base, err := Default().Map()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(Path(root))
	if errors.Is(err, fs.ErrNotExist) {
		return base, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var file map[string]any
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return Merge(base, file), nil
}

func fromMap(m map[string]any) (Config, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return Config{}, fmt.Errorf("encode config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Paths are the resolved workspace locations for a repository
type Paths struct {
	Root        string // repository root
	Dir         string // workspace directory
	File        string // configuration file
	KBRoot      string // cache root
	KBRel       string // cache root, repo-relative with forward slashes
	Ledger      string // ledger document
	SourceLocks string // per-source lock files
	LedgerLocks string // global ledger lock file
	History     string // run history database
	Logs        string // default log directory
}

// reserved names the workspace keeps for itself directly below DirName
var reserved = []string{"locks", "logs", FileName, ledgerName, historyName}

const (
	ledgerName  = "index.json"
	historyName = "history.db"
)

// ResolvePaths resolves the workspace layout. kb_dir must be a directory
// strictly below the workspace directory and clear of the ledger, the
// locks, the logs and the history database; the cache root never holds
// sources or workspace state.
func ResolvePaths(root string, cfg Config) (Paths, error) {
	kb := filepath.FromSlash(cfg.KBDir)
	if !filepath.IsAbs(kb) {
		kb = filepath.Join(root, kb)
	}
	kb = filepath.Clean(kb)

	rel, err := filepath.Rel(root, kb)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return Paths{}, fmt.Errorf("%w: kb_dir %q", types.ErrPathTraversal, cfg.KBDir)
	}
	if err := checkCacheDir(filepath.ToSlash(rel)); err != nil {
		return Paths{}, fmt.Errorf("%w: kb_dir %q %s", types.ErrPathTraversal, cfg.KBDir, err)
	}

	dir := filepath.Join(root, DirName)
	return Paths{
		Root:        root,
		Dir:         dir,
		File:        filepath.Join(dir, FileName),
		KBRoot:      kb,
		KBRel:       filepath.ToSlash(rel),
		Ledger:      filepath.Join(dir, ledgerName),
		SourceLocks: filepath.Join(dir, "locks", "sources"),
		LedgerLocks: filepath.Join(dir, "locks", "ledger"),
		History:     filepath.Join(dir, historyName),
		Logs:        filepath.Join(dir, "logs"),
	}, nil
}

// checkCacheDir validates a repo-relative cache root
func checkCacheDir(rel string) error {
	sub, ok := strings.CutPrefix(rel, DirName+"/")
	if !ok {
		return errors.New("must be a directory below " + DirName)
	}
	first, _, _ := strings.Cut(sub, "/")
	for _, name := range reserved {
		if first == name || strings.HasPrefix(first, name+".") || strings.HasPrefix(first, name+"-") {
			return fmt.Errorf("collides with workspace entry %q", name)
		}
	}
	return nil
}

// Package config holds the resolved build configuration for one run.
//
// Values are layered by the CLI (flags over environment over the
// typ2anki.toml file in the build root over defaults) and frozen into a
// Config that is passed explicitly to every component. The config digest
// feeds the cache's config segment, so any field that affects rendered
// output must participate in Digest.
package config

import (
	"archive/zip"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultFileName is the config file looked up in the build root.
const DefaultFileName = "typ2anki.toml"

var (
	// ErrInvalidRoot is returned when the build root is neither a
	// directory nor a zip archive.
	ErrInvalidRoot = errors.New("build root is not a valid directory")

	// ErrConfigNotFound is returned when an explicitly requested config
	// file does not exist.
	ErrConfigNotFound = errors.New("config file not found")
)

// RecompileMode is the config-change policy.
type RecompileMode string

const (
	// RecompileAsk consults the operator when the drift is large.
	RecompileAsk RecompileMode = "ask"

	// RecompileAlways recompiles on any config change, non-interactively.
	RecompileAlways RecompileMode = "always"

	// RecompileNever ignores config changes, non-interactively.
	RecompileNever RecompileMode = "never"
)

// ParseRecompileMode accepts the spelled-out modes plus the short forms
// the original tool used ("_", "y", "n").
func ParseRecompileMode(s string) (RecompileMode, error) {
	switch strings.ToLower(s) {
	case "ask", "_", "":
		return RecompileAsk, nil
	case "always", "y", "yes":
		return RecompileAlways, nil
	case "never", "n", "no":
		return RecompileNever, nil
	}
	return "", fmt.Errorf("invalid recompile-on-config-change value %q", s)
}

// OutputType is the artifact format the compiler produces.
type OutputType string

const (
	OutputPNG  OutputType = "png"
	OutputSVG  OutputType = "svg"
	OutputHTML OutputType = "html"
)

// Config is the resolved build configuration.
type Config struct {
	// AskedPath is the path as given on the command line; Path is the
	// resolved build root (a temp dir when AskedPath is a zip archive).
	AskedPath string
	Path      string

	CheckDuplicates bool
	ExcludeDecks    []string
	ExcludeFiles    []string

	DryRun       bool
	MaxCardWidth string // typst length, or "auto"
	CacheEnabled bool
	Concurrency  int
	Recompile    RecompileMode
	Output       OutputType

	// AnkiConnectURL is the remote store endpoint.
	AnkiConnectURL string

	// LogFile, when set, routes component logs to a rotating file.
	LogFile string

	isZip bool
}

// Default returns the configuration defaults before any layering.
func Default() *Config {
	return &Config{
		AskedPath:      ".",
		MaxCardWidth:   "auto",
		CacheEnabled:   true,
		Concurrency:    1,
		Recompile:      RecompileAsk,
		Output:         OutputPNG,
		AnkiConnectURL: "http://localhost:8765",
	}
}

// File mirrors the typ2anki.toml keys. Only keys not explicitly set on
// the command line are taken from the file.
type File struct {
	CheckDuplicates *bool    `toml:"check_duplicates"`
	ExcludeDecks    []string `toml:"exclude_decks"`
	ExcludeFiles    []string `toml:"exclude_files"`
	DryRun          *bool    `toml:"dry_run"`
	MaxCardWidth    *string  `toml:"max_card_width"`
	CheckChecksums  *bool    `toml:"check_checksums"`
	Concurrency     *int     `toml:"generation_concurrency"`
	Recompile       *string  `toml:"recompile_on_config_change"`
	OutputType      *string  `toml:"output_type"`
	AnkiConnectURL  *string  `toml:"anki_connect_url"`
}

// LoadFile decodes a typ2anki.toml. A missing default file yields a nil
// File and no error; a missing explicitly-named file is an error.
func LoadFile(path string, explicit bool) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if os.IsNotExist(err) {
			if explicit {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return &f, nil
}

// Apply overlays file values onto c, skipping keys named in set (keys the
// CLI already decided).
func (c *Config) Apply(f *File, set map[string]bool) error {
	if f == nil {
		return nil
	}
	if f.CheckDuplicates != nil && !set["check-duplicates"] {
		c.CheckDuplicates = *f.CheckDuplicates
	}
	if len(f.ExcludeDecks) > 0 && !set["exclude-decks"] {
		c.ExcludeDecks = f.ExcludeDecks
	}
	if len(f.ExcludeFiles) > 0 && !set["exclude-files"] {
		c.ExcludeFiles = f.ExcludeFiles
	}
	if f.DryRun != nil && !set["dry-run"] {
		c.DryRun = *f.DryRun
	}
	if f.MaxCardWidth != nil && !set["max-card-width"] {
		c.MaxCardWidth = *f.MaxCardWidth
	}
	if f.CheckChecksums != nil && !set["no-cache"] {
		c.CacheEnabled = *f.CheckChecksums
	}
	if f.Concurrency != nil && !set["generation-concurrency"] {
		c.Concurrency = *f.Concurrency
	}
	if f.Recompile != nil && !set["recompile-on-config-change"] {
		mode, err := ParseRecompileMode(*f.Recompile)
		if err != nil {
			return err
		}
		c.Recompile = mode
	}
	if f.OutputType != nil && !set["output-type"] {
		c.Output = OutputType(*f.OutputType)
	}
	if f.AnkiConnectURL != nil && !set["anki-connect-url"] {
		c.AnkiConnectURL = *f.AnkiConnectURL
	}
	return nil
}

// Resolve validates the build root, extracting a zip archive to a
// temporary directory first, and clamps invalid combinations.
//
// Concurrent compilation is only sound with a globally consistent id
// space, so concurrency is forced back to 1 when duplicate checking is
// off.
func (c *Config) Resolve() error {
	path, err := filepath.Abs(c.AskedPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	info, err := os.Stat(path)
	switch {
	case err != nil:
		return fmt.Errorf("%w: %s", ErrInvalidRoot, path)
	case !info.IsDir() && strings.EqualFold(filepath.Ext(path), ".zip"):
		extracted, err := extractZip(path)
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", path, err)
		}
		c.Path = extracted
		c.isZip = true
	case info.IsDir():
		c.Path = path
	default:
		return fmt.Errorf("%w: %s", ErrInvalidRoot, path)
	}

	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if !c.CheckDuplicates && c.Concurrency > 1 {
		c.Concurrency = 1
	}

	switch c.Output {
	case OutputPNG, OutputSVG, OutputHTML:
	default:
		return fmt.Errorf("invalid output type %q", c.Output)
	}

	return nil
}

// Cleanup removes the temporary extraction directory of a zip root.
func (c *Config) Cleanup() {
	if c.isZip && c.Path != "" {
		_ = os.RemoveAll(c.Path)
	}
}

// IsDeckExcluded matches the deck name against the exclusion globs.
func (c *Config) IsDeckExcluded(deck string) bool {
	return matchAny(c.ExcludeDecks, deck)
}

// IsFileExcluded matches the root-relative file path against the
// exclusion globs.
func (c *Config) IsFileExcluded(file string) bool {
	return matchAny(c.ExcludeFiles, file)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := filepath.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Digest returns the digest of the rendering-relevant configuration.
// It feeds the cache's config segment, so the encoding must be stable:
// sorted keys, sorted exclusion list.
func (c *Config) Digest() string {
	decks := append([]string(nil), c.ExcludeDecks...)
	sort.Strings(decks)

	data, _ := json.Marshal(struct {
		OutputType   OutputType `json:"output_type"`
		ExcludeDecks []string   `json:"exclude_decks"`
		MaxCardWidth string     `json:"max_card_width"`
	}{c.Output, decks, c.MaxCardWidth})

	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// RelativeToRoot rewrites an absolute path under the build root as the
// slash-separated form used for cache keys and group names.
func (c *Config) RelativeToRoot(path string) (string, error) {
	rel, err := filepath.Rel(c.Path, path)
	if err != nil {
		return "", fmt.Errorf("path %s is outside the build root: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}

func extractZip(path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer r.Close()

	dir, err := os.MkdirTemp("", "typ2anki-*")
	if err != nil {
		return "", err
	}

	for _, f := range r.File {
		dest := filepath.Join(dir, filepath.FromSlash(f.Name))
		// Reject entries escaping the extraction dir.
		if !strings.HasPrefix(dest, dir+string(os.PathSeparator)) {
			continue
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return "", err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", err
		}
		if err := copyZipFile(f, dest); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func copyZipFile(f *zip.File, dest string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

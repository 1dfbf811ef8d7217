package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Keys the wrapper knows about. Anything else in the file ends up in Config.Extra.
const (
	KeyBase       = "BORG_BASE"
	KeyExclude    = "BORG_EXCLUDE"
	KeyPassphrase = "BORG_PASSPHRASE"
	KeyPath       = "BORG_PATH"
	KeyRemotePath = "BORG_REMOTE_PATH"
	KeyRepo       = "BORG_REPO"
	KeyRsh        = "BORG_RSH"
	KeyHostID     = "BORG_HOST_ID"

	// KeyBinary selects the borg executable and is never exported to the child.
	KeyBinary = "BORG_BINARY"
)

// Config is the content of a single tab-delimited repository config file.
type Config struct {
	Base       string
	Exclude    string
	Passphrase string
	Path       string
	RemotePath string
	Repo       string
	Rsh        string
	HostID     string
	Binary     string

	Extra map[string]string

	// keys in order of first appearance
	order []string
}

type Entry struct {
	Key   string
	Value string
}

// SyntaxError reports a line that does not have a key and a value.
type SyntaxError struct {
	File string
	Line int
	Text string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: expected a tab separated key and value, got %q", e.File, e.Line, e.Text)
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	cfg, err := parse(f, path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func Parse(r io.Reader) (*Config, error) {
	return parse(r, "<input>")
}

func parse(r io.Reader, name string) (*Config, error) {
	cfg := &Config{Extra: map[string]string{}}
	scanner := bufio.NewScanner(r)
	// passphrases and rsh commands can be long
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		key, value, found := strings.Cut(line, "\t")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, &SyntaxError{File: name, Line: lineNo, Text: line}
		}
		cfg.set(key, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", name, err)
	}
	return cfg, nil
}

func (c *Config) set(key, value string) {
	if _, seen := c.lookup(key); !seen {
		c.order = append(c.order, key)
	}
	switch key {
	case KeyBase:
		c.Base = value
	case KeyExclude:
		c.Exclude = value
	case KeyPassphrase:
		c.Passphrase = value
	case KeyPath:
		c.Path = value
	case KeyRemotePath:
		c.RemotePath = value
	case KeyRepo:
		c.Repo = value
	case KeyRsh:
		c.Rsh = value
	case KeyHostID:
		c.HostID = value
	case KeyBinary:
		c.Binary = value
	default:
		c.Extra[key] = value
	}
}

func (c *Config) lookup(key string) (string, bool) {
	for _, k := range c.order {
		if k == key {
			return c.get(key), true
		}
	}
	return "", false
}

func (c *Config) get(key string) string {
	switch key {
	case KeyBase:
		return c.Base
	case KeyExclude:
		return c.Exclude
	case KeyPassphrase:
		return c.Passphrase
	case KeyPath:
		return c.Path
	case KeyRemotePath:
		return c.RemotePath
	case KeyRepo:
		return c.Repo
	case KeyRsh:
		return c.Rsh
	case KeyHostID:
		return c.HostID
	case KeyBinary:
		return c.Binary
	default:
		return c.Extra[key]
	}
}

// Lookup returns the value of key and whether the file defined it.
func (c *Config) Lookup(key string) (string, bool) {
	return c.lookup(key)
}

// Keys lists every key defined in the file, in order of first appearance.
func (c *Config) Keys() []string {
	return append([]string(nil), c.order...)
}

// Entries returns the key/value pairs in file order, last value winning.
func (c *Config) Entries() []Entry {
	result := make([]Entry, 0, len(c.order))
	for _, k := range c.order {
		result = append(result, Entry{Key: k, Value: c.get(k)})
	}
	return result
}

// SourcePaths splits BORG_PATH on commas.
func (c *Config) SourcePaths() []string {
	return SplitList(c.Path)
}

// Excludes splits BORG_EXCLUDE on commas.
func (c *Config) Excludes() []string {
	return SplitList(c.Exclude)
}

func SplitList(value string) []string {
	var result []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

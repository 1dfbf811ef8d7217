package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Settings holds the knobs that are shared by every repository on a host.
type Settings struct {
	Binary          string   `toml:"binary" yaml:"binary"`
	Compression     string   `toml:"compression" yaml:"compression"`
	LockWait        int      `toml:"lock_wait" yaml:"lock_wait"`
	ExtraCreateArgs []string `toml:"extra_create_args" yaml:"extra_create_args"`

	Prune PruneSettings `toml:"prune" yaml:"prune"`
	List  bool          `toml:"list" yaml:"list"`
	Log   LogSettings   `toml:"log" yaml:"log"`
	Mail  MailSettings  `toml:"mail" yaml:"mail"`
}

type PruneSettings struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	KeepWithin  string `toml:"keep_within" yaml:"keep_within"`
	KeepDaily   int    `toml:"keep_daily" yaml:"keep_daily"`
	KeepWeekly  int    `toml:"keep_weekly" yaml:"keep_weekly"`
	KeepMonthly int    `toml:"keep_monthly" yaml:"keep_monthly"`
}

type LogSettings struct {
	// Keep is the number of run logs to retain, 0 keeps everything.
	Keep     int  `toml:"keep" yaml:"keep"`
	Compress bool `toml:"compress" yaml:"compress"`
}

type MailSettings struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled"`
	Address       string `toml:"address" yaml:"address"`
	From          string `toml:"from" yaml:"from"`
	Server        string `toml:"server" yaml:"server"`
	SubjectPrefix string `toml:"subject_prefix" yaml:"subject_prefix"`
}

func DefaultSettings() Settings {
	return Settings{
		Binary:      "borg",
		Compression: "auto,lz4",
		LockWait:    600,
		Prune: PruneSettings{
			KeepWithin:  "1d",
			KeepDaily:   7,
			KeepWeekly:  4,
			KeepMonthly: 3,
		},
		Log: LogSettings{
			Compress: true,
		},
		Mail: MailSettings{
			Server:        "localhost:25",
			SubjectPrefix: "[borg-systemd]",
		},
	}
}

// LoadSettings reads a TOML or YAML settings file on top of DefaultSettings.
// An empty path returns the defaults.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	if path == "" {
		return settings, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("reading settings: %w", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&settings); err != nil && !errors.Is(err, io.EOF) {
			return settings, fmt.Errorf("parsing settings %s: %w", path, err)
		}
	case ".toml", "":
		if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&settings); err != nil {
			var details *toml.DecodeError
			if errors.As(err, &details) {
				return settings, fmt.Errorf("parsing settings %s:\n%s", path, details.String())
			}
			var strictError *toml.StrictMissingError
			if errors.As(err, &strictError) {
				return settings, fmt.Errorf("parsing settings %s:\n%s", path, strictError.String())
			}
			return settings, fmt.Errorf("parsing settings %s: %w", path, err)
		}
	default:
		return settings, fmt.Errorf("unsupported settings format %q", ext)
	}
	return settings, nil
}

package borg

import (
	"strings"

	"github.com/swat-engineering/borg-systemd/internal/config"
)

// Environ returns base with every config entry applied on top, ready for
// exec.Cmd.Env. BORG_BINARY is consumed by the wrapper and left out.
func Environ(base []string, cfg *config.Config) []string {
	result := make([]string, 0, len(base)+len(cfg.Keys()))
	index := map[string]int{}
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if i, ok := index[name]; ok {
			result[i] = kv
			continue
		}
		index[name] = len(result)
		result = append(result, kv)
	}

	for _, e := range cfg.Entries() {
		if e.Key == config.KeyBinary {
			continue
		}
		kv := e.Key + "=" + e.Value
		if i, ok := index[e.Key]; ok {
			result[i] = kv
			continue
		}
		index[e.Key] = len(result)
		result = append(result, kv)
	}
	return result
}

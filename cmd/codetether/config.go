package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/codetether/codetether/internal/logging"
)

// loadKoanf merges the three config layers: built-in defaults, an optional
// YAML file, and CODETETHER_-prefixed environment variables ("__" nests,
// e.g. CODETETHER_HUB__PORT sets hub.port). Each subcommand applies its
// explicitly passed flags on top of the merge.
func loadKoanf(path string, defaults map[string]any) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	cb := func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CODETETHER_")), "__", ".")
	}
	if err := k.Load(env.Provider("CODETETHER_", ".", cb), nil); err != nil {
		return nil, fmt.Errorf("load config env: %w", err)
	}
	return k, nil
}

// setFlags reports which flags were explicitly passed on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}

func mergeDefaults(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for key, v := range m {
			out[key] = v
		}
	}
	return out
}

func applyLogLevel(s string) error {
	l, err := logging.ParseLevel(s)
	if err != nil {
		return err
	}
	logging.SetLevel(l)
	return nil
}

// splitDirs parses a comma-separated directory list.
func splitDirs(s string) []string {
	var dirs []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// defaultCLIPath is where the assistant CLI installer puts the binary.
func defaultCLIPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "claude"
	}
	return filepath.Join(home, ".local", "bin", "claude")
}

package profile

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/matheus3301/mktinbox/internal/config"
)

const DefaultName = "main"

// EnvName selects the profile when no --profile flag is given.
const EnvName = "MKTINBOX_PROFILE"

// Resolve picks the active profile: the --profile flag, then $MKTINBOX_PROFILE,
// then default_profile in the config at configPath (ConfigPath() when empty),
// then DefaultName. A missing config is fine; an unreadable one is an error,
// as is an invalid name from any source.
func Resolve(flagName, configPath string) (string, error) {
	name, source := flagName, "--profile"
	if name == "" {
		name, source = os.Getenv(EnvName), "$"+EnvName
	}
	if name == "" {
		if configPath == "" {
			configPath = ConfigPath()
		}
		cfg, err := config.Load(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return "", fmt.Errorf("read default profile: %w", err)
		default:
			name, source = cfg.DefaultProfile, configPath
		}
	}
	if name == "" {
		return DefaultName, nil
	}
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("%s: %w", source, err)
	}
	return name, nil
}

// List returns the profiles that have a directory, sorted by name.
func List() ([]string, error) {
	entries, err := os.ReadDir(Dir(""))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

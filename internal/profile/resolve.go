package profile

import (
	"os"

	"github.com/matheus3301/offsync/internal/config"
)

const DefaultProfileName = "main"

// ProfileEnv selects the profile when no --profile flag is given.
const ProfileEnv = "OFFSYNC_PROFILE"

// Source tells where a resolved profile name came from.
type Source string

const (
	FromFlag    Source = "flag"
	FromEnv     Source = "env"
	FromGlobal  Source = "global config"
	FromDefault Source = "default"
)

// Resolve returns the active profile name.
func Resolve(flagOverride string) string {
	name, _ := Lookup(flagOverride)
	return name
}

// Lookup resolves the active profile with precedence flag, $OFFSYNC_PROFILE,
// the global default_profile, then "main". An unreadable global config is
// treated as absent.
func Lookup(flagOverride string) (string, Source) {
	if flagOverride != "" {
		return flagOverride, FromFlag
	}
	if name := os.Getenv(ProfileEnv); name != "" {
		return name, FromEnv
	}
	cfg, err := config.LoadGlobal(GlobalConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile, FromGlobal
	}
	return DefaultProfileName, FromDefault
}

package session

import "github.com/pcarvalho/chatsync/internal/config"

const DefaultIdentity = "main"

// Resolve determines the active identity name using precedence:
// 1. flagOverride (--identity flag)
// 2. config.toml default_identity
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultIdentity != "" {
		return cfg.DefaultIdentity
	}
	return DefaultIdentity
}

package kvstore

import (
	"fmt"
	"os"
	"runtime"
)

// DefaultStateDir returns the platform-appropriate directory for meshclip's
// persisted state (identity, trust set, clip history), mirroring the
// teacher's config-path-search idiom but for a single writable data
// directory rather than a read-only config search path.
func DefaultStateDir() string {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return fmt.Sprintf(`%s\meshclip`, appdata)
		}
		return `.\meshclip-state`
	}
	if home, err := os.UserHomeDir(); err == nil {
		return fmt.Sprintf("%s/.local/share/meshclip", home)
	}
	return "./meshclip-state"
}

package logging

import (
	"os"
	"path/filepath"
)

// LogDir returns the directory where engine logs are written.
// Defaults to ~/.notewise/logs, falling back to the working directory
// when the home directory cannot be resolved.
func LogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "logs"
	}
	return filepath.Join(home, ".notewise", "logs")
}

// DefaultLogPath returns the default engine log file path.
func DefaultLogPath() string {
	return filepath.Join(LogDir(), "engine.log")
}

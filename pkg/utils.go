package pkg

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
)

// Version is the orchestrator version checked by the require_version() script builtin.
const Version = "0.4.1"

// FindScript walks up from startDir until it finds the given script file and
// returns the script path and the directory containing it (the project root).
func FindScript(startDir, name string) (string, string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", "", eris.Wrapf(err, "Failed to resolve %s", startDir)
	}

	for {
		scriptPath := filepath.Join(dir, name)
		_, err := os.Stat(scriptPath)
		if err == nil {
			return scriptPath, dir, nil
		}
		if !eris.Is(err, os.ErrNotExist) {
			return "", "", eris.Wrapf(err, "Failed to check %s", scriptPath)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", "", eris.Errorf("No %s file found in %s or any parent directory", name, startDir)
}

func PrintTask(msg string) {
	colorstring.Printf("[blue][bold]==>[default] %s\n", msg)
}

func PrintSubtask(msg string) {
	colorstring.Printf("[green][bold]  ->[reset] %s\n", msg)
}

func PrintError(msg string) {
	colorstring.Printf("[red][bold]  ->[reset] %s\n", msg)
}

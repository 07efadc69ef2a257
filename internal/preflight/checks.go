package preflight

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Result is the outcome of the startup checks.
type Result struct {
	ShellPath   string
	DataDirOK   bool
	DataDirPath string
}

// CheckAll verifies the shell used to run commands and the data directory.
// A missing shell is fatal; an unwritable data directory only disables history.
func CheckAll(shell, dataDir string) (Result, error) {
	res := Result{DataDirPath: dataDir}

	path, err := checkShell(shell)
	if err != nil {
		return res, err
	}
	res.ShellPath = path
	logrus.Infof("✓ shell found (%s)", path)

	if err := checkDataDir(dataDir); err != nil {
		logrus.WithError(err).Warnf("⚠ data directory %s is not writable, process history disabled", dataDir)
	} else {
		res.DataDirOK = true
	}
	return res, nil
}

func checkShell(shell string) (string, error) {
	path, err := exec.LookPath(shell)
	if err != nil {
		return "", fmt.Errorf("shell %q not found: %w", shell, err)
	}
	return path, nil
}

func checkDataDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}

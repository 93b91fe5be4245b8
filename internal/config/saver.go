package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

// Save validates cfg and writes it with an atomic rename. The previous file
// is kept as path + ".bak".
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return &InvalidConfigError{
			Path:    path,
			Message: err.Error(),
			Hint:    "Fix the reported field and try again",
		}
	}

	if err := checkWritePermission(path); err != nil {
		return err
	}

	if err := backupConfig(path); err != nil {
		// First run has nothing to back up.
		fmt.Fprintf(os.Stderr, "Warning: failed to create backup: %v\n", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return atomicWrite(path, data)
}

func backupConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(path+".bak", data, 0600)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// checkWritePermission verifies we can write to the config path
func checkWritePermission(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &PermissionError{
			Path:    dir,
			Op:      "write",
			Fix:     getWritePermissionFix(dir),
			Details: "Cannot create config directory",
		}
	}

	probe := filepath.Join(dir, ".write-test-"+uuid.NewString()[:8])
	f, err := os.Create(probe)
	if err != nil {
		return &PermissionError{
			Path:    dir,
			Op:      "write",
			Fix:     getWritePermissionFix(dir),
			Details: "Cannot write to config directory",
		}
	}
	f.Close()
	os.Remove(probe)

	if _, err := os.Stat(path); err == nil {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return &PermissionError{
				Path:    path,
				Op:      "write",
				Fix:     getWritePermissionFix(path),
				Details: "Config file is read-only",
			}
		}
		f.Close()
	}
	return nil
}

func getWritePermissionFix(path string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf("Right-click %s → Properties → Security → Grant 'Write' permission", path)
	default:
		return fmt.Sprintf("Run: chmod u+w %s", path)
	}
}

package config

import (
	"os"
	"path/filepath"
)

// FileName is the config file looked up in the working directory.
const FileName = "chatndev.yaml"

func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".chatndev"), nil
}

// FindConfig returns the first config file that exists: ./chatndev.yaml,
// then ~/.chatndev/config.yaml. It returns "" when neither does.
func FindConfig() string {
	if _, err := os.Stat(FileName); err == nil {
		return FileName
	}
	dir, err := GetUserConfigDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

func EnsureConfigDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}

package utils

import (
	"os"
	"path/filepath"
	"strings"
)

// JoinPath makes a path from a directory and a file name
func JoinPath(dirPath string, filePath string) string {
	return filepath.Join(dirPath, filePath)
}

// ExpandHomeDir expands a leading "~/" to the current user's home directory
func ExpandHomeDir(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return homedir, nil
	}

	return filepath.Join(homedir, path[1:]), nil
}

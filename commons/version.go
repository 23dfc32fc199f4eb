package commons

import (
	"encoding/json"
	"fmt"
	"runtime"
)

var (
	releaseVersion string
	gitCommit      string
	buildDate      string
)

// VersionInfo object contains version related info
type VersionInfo struct {
	ReleaseVersion string `json:"releaseVersion"`
	GitCommit      string `json:"gitCommit"`
	BuildDate      string `json:"buildDate"`
	GoVersion      string `json:"goVersion"`
	Compiler       string `json:"compiler"`
	Platform       string `json:"platform"`
}

// GetVersion returns VersionInfo object
func GetVersion() VersionInfo {
	return VersionInfo{
		ReleaseVersion: releaseVersion,
		GitCommit:      gitCommit,
		BuildDate:      buildDate,
		GoVersion:      fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
		Compiler:       runtime.Compiler,
		Platform:       fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// GetVersionJSON returns VersionInfo in JSON string
func GetVersionJSON() (string, error) {
	info := GetVersion()
	marshalled, err := json.MarshalIndent(&info, "", "  ")
	if err != nil {
		return "", err
	}

	return string(marshalled), nil
}

package system

import (
	"runtime"
)

// The current version of this software, set at build time.
var Version = "develop"

type Information struct {
	Version      string `json:"version"`
	GoVersion    string `json:"go_version"`
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	CpuCount     int    `json:"cpu_count"`
}

func GetSystemInformation() *Information {
	return &Information{
		Version:      Version,
		GoVersion:    runtime.Version(),
		Architecture: runtime.GOARCH,
		OS:           runtime.GOOS,
		CpuCount:     runtime.NumCPU(),
	}
}

// FirstNotEmpty returns the first string passed in that is not an empty value.
func FirstNotEmpty(v ...string) string {
	for _, val := range v {
		if val != "" {
			return val
		}
	}
	return ""
}

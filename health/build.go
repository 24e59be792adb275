package health

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	Modified  bool      `json:"modified"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
}

// ReadBuildInfo takes VCS data stamped by the go toolchain. BUILD_VERSION,
// BUILD_COMMIT and BUILD_TIME override it for images built without VCS.
func ReadBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   "dev",
		GitCommit: "unknown",
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.GitCommit = setting.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.BuildTime = t
				}
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			}
		}
	}

	if v := os.Getenv("BUILD_VERSION"); v != "" {
		info.Version = v
	}
	if v := os.Getenv("BUILD_COMMIT"); v != "" {
		info.GitCommit = v
	}
	if v := os.Getenv("BUILD_TIME"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			info.BuildTime = t
		}
	}

	return info
}

func (b BuildInfo) String() string {
	commit := b.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if b.Modified {
		commit += "-dirty"
	}
	if b.BuildTime.IsZero() {
		return fmt.Sprintf("%s-%s", b.Version, commit)
	}
	return fmt.Sprintf("%s-%s (%s)", b.Version, commit, b.BuildTime.Format("2006-01-02"))
}

func BuildString() string {
	return ReadBuildInfo().String()
}

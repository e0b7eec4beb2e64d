// Package version holds build metadata, stamped at link time:
//
//	go build -ldflags "-X github.com/0D1nn8502/ReadThatPDF/internal/version.Version=v1.4.0" ./cmd/worker
package version

import (
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// Info describes the running binary.
type Info struct {
	Service   string
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
}

// Get returns the build info of service. Commit and build time fall back to
// the VCS stamp the go tool records when no ldflags were given.
func Get(service string) Info {
	info := Info{
		Service:   service,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && info.Commit == "":
				info.Commit = s.Value
			case s.Key == "vcs.time" && info.BuildTime == "":
				info.BuildTime = s.Value
			}
		}
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.BuildTime == "" {
		info.BuildTime = "unknown"
	}
	return info
}

package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Populated at build time, e.g.
//
//	-ldflags "-X github.com/tis24dev/proxsync/internal/version.Version=v1.0.0"
var (
	Version = ""
	Commit  = ""
)

var readBuildInfo = debug.ReadBuildInfo

// String returns the ldflags version, else the module version from build
// info, else a development placeholder. A leading "v" is stripped.
func String() string {
	v := strings.TrimSpace(Version)
	if v == "" {
		if info, ok := readBuildInfo(); ok && info != nil {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
	}
	if v == "" {
		v = "0.0.0-dev"
	}
	return strings.TrimPrefix(v, "v")
}

// Banner is the one-line identification printed by --version and at run start.
func Banner() string {
	if c := strings.TrimSpace(Commit); c != "" {
		return fmt.Sprintf("proxsync %s (%s)", String(), c)
	}
	return fmt.Sprintf("proxsync %s", String())
}

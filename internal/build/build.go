// Package build stamps the firmware image version into the Go binary,
// the host-side analogue of the image header the original bootloader
// checks before accepting an OTA update.
package build

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// version is the node software's semantic version, overridable at link
// time via -ldflags "-X .../build.version=...".
var version = "0.1.0-dev"

// UserVersion returns the parsed semver, or a zero version if the linked
// value is malformed.
func UserVersion() *semver.Version {
	v, err := semver.NewVersion(version)
	if err != nil {
		return semver.MustParse("0.0.0")
	}
	return v
}

// String returns the version string with a leading "planetaryd/".
func String() string {
	return fmt.Sprintf("planetaryd/%s", UserVersion().String())
}

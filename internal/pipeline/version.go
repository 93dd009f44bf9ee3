package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var versionRe = regexp.MustCompile(`([0-9]+)(?:\.([0-9]+))?`)

// engineVersion is a parsed major.minor engine version. Patch levels
// are ignored for compatibility purposes.
type engineVersion struct {
	Major int
	Minor int
}

func parseEngineVersion(s string) (engineVersion, error) {
	m := versionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return engineVersion{}, fmt.Errorf("unparseable engine version %q", s)
	}
	major, _ := strconv.Atoi(m[1])
	minor := 0
	if m[2] != "" {
		minor, _ = strconv.Atoi(m[2])
	}
	return engineVersion{Major: major, Minor: minor}, nil
}

// CheckVersionCompatibility gates a restore: a backup taken on a newer
// engine (by major.minor) than the live target is blocked, since the
// dump may use syntax or features the target cannot replay. Unparseable
// versions on either side are allowed through with no gate.
func CheckVersionCompatibility(backupVersion, targetVersion string) error {
	if backupVersion == "" || targetVersion == "" {
		return nil
	}
	b, err := parseEngineVersion(backupVersion)
	if err != nil {
		return nil
	}
	t, err := parseEngineVersion(targetVersion)
	if err != nil {
		return nil
	}
	if b.Major > t.Major || (b.Major == t.Major && b.Minor > t.Minor) {
		return NewRestoreError(
			fmt.Sprintf("backup was taken on engine version %s, which is newer than the restore target %s",
				backupVersion, targetVersion), nil)
	}
	return nil
}

package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a CouchDB server version triple. The wire protocol changed
// shape several times; handlers and envelopes branch on it.
type Version struct {
	Major int
	Minor int
	Micro int
}

// Latest is the sentinel used when no --couchdb-version is given: every
// version gate passes and the newest protocol variant is spoken.
var Latest = Version{999, 999, 999}

// ParseVersion parses "X", "X.Y" or "X.Y.Z", padding missing components
// with zero, the way the original CLI did.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q", s)
		}
		nums[i] = n
	}
	return Version{nums[0], nums[1], nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

// Compare returns -1, 0 or 1 ordering v against o lexicographically.
func (v Version) Compare(o Version) int {
	a := [3]int{v.Major, v.Minor, v.Micro}
	b := [3]int{o.Major, o.Minor, o.Micro}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// AtLeast reports whether v >= (major, minor, micro).
func (v Version) AtLeast(major, minor, micro int) bool {
	return v.Compare(Version{major, minor, micro}) >= 0
}

// Before reports whether v < (major, minor, micro).
func (v Version) Before(major, minor, micro int) bool {
	return v.Compare(Version{major, minor, micro}) < 0
}

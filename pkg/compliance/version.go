package compliance

import (
	"fmt"
	"strings"

	debversion "github.com/knqyf263/go-deb-version"
)

// CompareVersions orders two Debian package versions of the form
// [epoch:]upstream[-revision]. It returns -1, 0 or 1.
func CompareVersions(a, b string) (int, error) {
	va, err := debversion.NewVersion(strings.TrimSpace(a))
	if err != nil {
		return 0, fmt.Errorf("invalid package version %q: %w", a, err)
	}
	vb, err := debversion.NewVersion(strings.TrimSpace(b))
	if err != nil {
		return 0, fmt.Errorf("invalid package version %q: %w", b, err)
	}

	switch {
	case va.LessThan(vb):
		return -1, nil
	case va.GreaterThan(vb):
		return 1, nil
	}
	return 0, nil
}

// AtLeast reports whether installed satisfies the minimum version. A version
// dpkg would not accept never does.
func AtLeast(installed, minimum string) bool {
	c, err := CompareVersions(installed, minimum)
	return err == nil && c >= 0
}

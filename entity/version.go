package entity

import (
	"cmp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Comparator orders two schema version strings. It returns a negative number
// when a < b, zero when equal and a positive number when a > b.
type Comparator func(a, b string) int

// DottedComparator compares versions as tuples of dot separated integers.
//
// Components are compared left to right. When one version runs out of
// components first it is the lesser one, so "1.0" < "1.0.0". Components that
// are not integers are compared as strings.
func DottedComparator(a, b string) int {
	pa := splitVersion(a)
	pb := splitVersion(b)
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if c := compareComponent(pa[i], pb[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(pa), len(pb))
}

// SemverComparator compares versions following semantic versioning rules.
// Versions that do not parse fall back to [DottedComparator].
func SemverComparator(a, b string) int {
	va, err := semver.NewVersion(a)
	if err != nil {
		return DottedComparator(a, b)
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return DottedComparator(a, b)
	}
	return va.Compare(vb)
}

func splitVersion(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return strings.Split(v, ".")
}

func compareComponent(a, b string) int {
	ia, errA := strconv.ParseInt(a, 10, 64)
	ib, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return cmp.Compare(ia, ib)
	}
	return strings.Compare(a, b)
}

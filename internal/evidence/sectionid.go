// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"regexp"
	"strconv"
	"strings"
)

var numericIDRe = regexp.MustCompile(`^\d+(?:\.\d+)*$`)

// IsNumericID reports whether id is a dotted-decimal section number.
func IsNumericID(id string) bool {
	return numericIDRe.MatchString(id)
}

// CompareIDs orders section ids segment by segment. Numeric segments compare
// as integers, others lexically; a proper prefix sorts first ("3" < "3.1").
func CompareIDs(a, b string) int {
	as := strings.Split(strings.TrimSuffix(a, "."), ".")
	bs := strings.Split(strings.TrimSuffix(b, "."), ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareSegment(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

func compareSegment(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// IsDescendant reports whether id sits strictly below ancestor ("3.2.1" under "3.2").
func IsDescendant(id, ancestor string) bool {
	return ancestor != "" && strings.HasPrefix(id, ancestor+".")
}

// Covers reports whether id equals root or is one of its descendants.
func Covers(root, id string) bool {
	return id == root || IsDescendant(id, root)
}

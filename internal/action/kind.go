package action

import (
	"fmt"
	"sort"
	"strings"
)

type Kind string

const (
	D2   Kind = "d2"
	D4   Kind = "d4"
	D6   Kind = "d6"
	D8   Kind = "d8"
	D10  Kind = "d10"
	D12  Kind = "d12"
	D20  Kind = "d20"
	D100 Kind = "d100"
)

// DefaultKind is used for rows whose action_kind is NULL or empty.
const DefaultKind = D6

var faces = map[Kind]int{
	D2:   2,
	D4:   4,
	D6:   6,
	D8:   8,
	D10:  10,
	D12:  12,
	D20:  20,
	D100: 100,
}

// ParseKind maps a stored action_kind to a Kind. Matching is case-insensitive.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultKind, nil
	}
	k := Kind(s)
	if _, ok := faces[k]; !ok {
		return "", fmt.Errorf("unknown action kind %q", s)
	}
	return k, nil
}

// Kinds lists every known kind, fewest faces first.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(faces))
	for k := range faces {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return faces[kinds[i]] < faces[kinds[j]] })
	return kinds
}

func (k Kind) String() string {
	return string(k)
}

// Faces returns the number of faces, or 0 for an unknown kind.
func (k Kind) Faces() int {
	return faces[k]
}

// Contains reports whether v is a legal result for the kind.
func (k Kind) Contains(v int) bool {
	return v >= 1 && v <= k.Faces()
}

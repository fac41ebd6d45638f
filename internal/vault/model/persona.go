package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxPersonaBytes bounds the canonicalized persona size.
const MaxPersonaBytes = 10 * 1024

// HallucinationTolerance levels accepted in guardrails.
var HallucinationTolerances = []string{"strict", "moderate", "lenient"}

// PersonaHistoryEntry is an immutable, append-only snapshot of a persona as
// stored by a successful register or update.
type PersonaHistoryEntry struct {
	ID             int64          `json:"id"              db:"id"`
	AgentID        string         `json:"agent_id"        db:"agent_id"`
	Persona        map[string]any `json:"persona"         db:"persona"`
	PersonaHash    string         `json:"persona_hash"    db:"persona_hash"`
	PersonaVersion string         `json:"persona_version" db:"persona_version"`
	ChangedAt      time.Time      `json:"changed_at"      db:"changed_at"`
}

// PersonaDiff is the structured change set emitted with persona.updated.
type PersonaDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Edited  []string `json:"edited"`
}

// DiffPersonas computes dotted-path additions, removals and edits between
// two persona trees.
func DiffPersonas(old, new map[string]any) PersonaDiff {
	diff := PersonaDiff{Added: []string{}, Removed: []string{}, Edited: []string{}}
	diffMaps("", old, new, &diff)
	return diff
}

func diffMaps(prefix string, old, new map[string]any, diff *PersonaDiff) {
	for k, ov := range old {
		path := joinPath(prefix, k)
		nv, ok := new[k]
		if !ok {
			diff.Removed = append(diff.Removed, path)
			continue
		}
		om, oIsMap := ov.(map[string]any)
		nm, nIsMap := nv.(map[string]any)
		if oIsMap && nIsMap {
			diffMaps(path, om, nm, diff)
			continue
		}
		if !scalarEqual(ov, nv) {
			diff.Edited = append(diff.Edited, path)
		}
	}
	for k := range new {
		if _, ok := old[k]; !ok {
			diff.Added = append(diff.Added, joinPath(prefix, k))
		}
	}
}

func joinPath(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}

func scalarEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// Semver is a parsed major.minor.patch version.
type Semver struct {
	Major, Minor, Patch int
}

// ParseSemver parses a strict "X.Y.Z" version string.
func ParseSemver(s string) (Semver, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Semver{}, fmt.Errorf("invalid semver %q", s)
	}
	var v Semver
	var err error
	if v.Major, err = parseVersionPart(parts[0]); err != nil {
		return Semver{}, fmt.Errorf("invalid semver %q", s)
	}
	if v.Minor, err = parseVersionPart(parts[1]); err != nil {
		return Semver{}, fmt.Errorf("invalid semver %q", s)
	}
	if v.Patch, err = parseVersionPart(parts[2]); err != nil {
		return Semver{}, fmt.Errorf("invalid semver %q", s)
	}
	return v, nil
}

func parseVersionPart(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad version part %q", s)
	}
	return n, nil
}

func (v Semver) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 ordering v against o.
func (v Semver) Compare(o Semver) int {
	if v.Major != o.Major {
		return sign(v.Major - o.Major)
	}
	if v.Minor != o.Minor {
		return sign(v.Minor - o.Minor)
	}
	return sign(v.Patch - o.Patch)
}

// BumpMinor returns the next minor version with patch reset.
func (v Semver) BumpMinor() Semver {
	return Semver{Major: v.Major, Minor: v.Minor + 1}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	tokenAll  = "all"
	tokenHost = "pve"
)

// TargetSet is the selection given on the command line. It is built once and
// only queried afterwards.
type TargetSet struct {
	all  bool
	host bool
	ids  []int
}

// ParseTargets parses a comma-separated list of guest ids, "pve" and "all".
// Duplicates collapse; empty tokens are ignored; anything else is an error.
func ParseTargets(raw string) (TargetSet, error) {
	var ts TargetSet
	seen := map[int]bool{}

	for _, token := range strings.Split(raw, ",") {
		token = strings.ToLower(strings.TrimSpace(token))
		switch token {
		case "":
			continue
		case tokenAll:
			ts.all = true
			continue
		case tokenHost:
			ts.host = true
			continue
		}

		id, err := strconv.Atoi(token)
		if err != nil || id <= 0 {
			return TargetSet{}, fmt.Errorf("invalid target %q: expected a guest id, %q or %q", token, tokenHost, tokenAll)
		}
		if !seen[id] {
			seen[id] = true
			ts.ids = append(ts.ids, id)
		}
	}

	if ts.Empty() {
		return TargetSet{}, ErrNoTargets
	}
	return ts, nil
}

// Empty reports whether nothing was selected.
func (t TargetSet) Empty() bool {
	return !t.all && !t.host && len(t.ids) == 0
}

// All reports whether the wildcard was given.
func (t TargetSet) All() bool {
	return t.all
}

// HostConfig reports whether the host configuration bundle is selected.
func (t TargetSet) HostConfig() bool {
	return t.all || t.host
}

// Includes reports whether guest id is selected.
func (t TargetSet) Includes(id int) bool {
	if t.all {
		return true
	}
	for _, selected := range t.ids {
		if selected == id {
			return true
		}
	}
	return false
}

// IDs returns the explicitly selected guest ids in command-line order.
func (t TargetSet) IDs() []int {
	return append([]int(nil), t.ids...)
}

// String renders the selection in canonical form, e.g. "pve,100,101".
func (t TargetSet) String() string {
	if t.all {
		return tokenAll
	}
	parts := make([]string, 0, len(t.ids)+1)
	if t.host {
		parts = append(parts, tokenHost)
	}
	ids := t.IDs()
	sort.Ints(ids)
	for _, id := range ids {
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, ",")
}

package alerting

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pilot-net/healthmon/pkg/types"
)

// snapshotDoc flattens a snapshot into its JSON shape once so several
// conditions can resolve paths against it.
func snapshotDoc(snap *types.SystemMetricsSnapshot) (any, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// lookupPath resolves a dotted path like "disk.0.used_percent" using JSON
// field names. Numeric segments index arrays. Only numeric leaves resolve.
func lookupPath(doc any, path string) (float64, bool) {
	if path == "" {
		return 0, false
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return 0, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return 0, false
			}
			cur = node[i]
		default:
			return 0, false
		}
	}

	switch v := cur.(type) {
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

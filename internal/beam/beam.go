// Package beam normalizes beam leaderboard payloads into ranked candidate paths.
package beam

import (
	"encoding/json"
	"log/slog"
	"strconv"
)

// Path is one candidate path through the taxonomy at a point in time.
type Path struct {
	Position             int     `json:"position"`
	PathID               string  `json:"path_id"`
	Chapter              string  `json:"chapter"`
	CurrentPath          string  `json:"current_path"`
	LogScore             float64 `json:"log_score"`
	CumulativeConfidence float64 `json:"cumulative_confidence"`
	IsActive             bool    `json:"is_active"`
	IsComplete           bool    `json:"is_complete"`
}

// Leaderboard payloads arrive with either human-readable or machine keys.
// The human-readable key wins whenever its value is truthy.
var fieldKeys = struct {
	beam, position, pathID, chapter, currentPath, logScore, confidence, active, complete [2]string
}{
	beam:        [2]string{"Beam", "beam"},
	position:    [2]string{"Position", "position"},
	pathID:      [2]string{"Path Id", "path_id"},
	chapter:     [2]string{"Chapter", "chapter"},
	currentPath: [2]string{"Current Path", "current_path"},
	logScore:    [2]string{"Log Score", "log_score"},
	confidence:  [2]string{"Cumulative Confidence", "cumulative_confidence"},
	active:      [2]string{"Is Active", "is_active"},
	complete:    [2]string{"Is Complete", "is_complete"},
}

// Parse reads the ranked beam from a leaderboard payload. Order is kept as
// sent; the service's ranking is authoritative. Malformed entries are skipped.
func Parse(data json.RawMessage) []Path {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("beam payload is not an object", "error", err)
		return []Path{}
	}

	raw, _ := pick(payload, fieldKeys.beam).([]any)
	paths := make([]Path, 0, len(raw))
	for i, entry := range raw {
		item, ok := entry.(map[string]any)
		if !ok {
			slog.Warn("beam entry is not an object, skipping", "index", i)
			continue
		}
		paths = append(paths, Path{
			Position:             toInt(pick(item, fieldKeys.position)),
			PathID:               toString(pick(item, fieldKeys.pathID)),
			Chapter:              toString(pick(item, fieldKeys.chapter)),
			CurrentPath:          toString(pick(item, fieldKeys.currentPath)),
			LogScore:             toFloat(pick(item, fieldKeys.logScore)),
			CumulativeConfidence: toFloat(pick(item, fieldKeys.confidence)),
			IsActive:             toBool(pick(item, fieldKeys.active)),
			IsComplete:           toBool(pick(item, fieldKeys.complete)),
		})
	}
	return paths
}

// Top returns the leading path, if any.
func Top(paths []Path) (Path, bool) {
	if len(paths) == 0 {
		return Path{}, false
	}
	return paths[0], true
}

func pick(m map[string]any, keys [2]string) any {
	if v := m[keys[0]]; truthy(v) {
		return v
	}
	return m[keys[1]]
}

// truthy follows JSON-value truthiness: null, false, 0 and "" are falsy,
// while arrays and objects are truthy even when empty.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	}
	return 0
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

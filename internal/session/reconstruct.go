package session

import (
	"encoding/json"
	"fmt"
	"slices"
)

// levelKeys name the hierarchy levels in the service's selection object.
var levelKeys = []string{"chapter", "heading", "subheading", "tariff"}

// Node is the user-chosen taxonomy node a rewound token continues from.
// A zero NodeID means the node has no service-side identifier.
type Node struct {
	NodeID      int    `json:"node_id,omitempty"`
	Code        string `json:"code"`
	Description string `json:"description"`
	IsGroup     bool   `json:"is_group"`
}

// ReconstructState builds a continuation token that rewinds token to level
// (0 chapter through 3 tariff) and selects node there. Selections, steps and
// path entries below level are kept; everything the service derives per run
// is cleared for it to rebuild.
func ReconstructState(token json.RawMessage, level int, node Node) (json.RawMessage, error) {
	if level < 0 || level >= len(levelKeys) {
		return nil, fmt.Errorf("level %d out of range", level)
	}

	cur := map[string]any{}
	if len(token) > 0 && string(token) != "null" {
		if err := json.Unmarshal(token, &cur); err != nil {
			return nil, fmt.Errorf("decode token: %w", err)
		}
	}

	selection := map[string]any{}
	if prev, ok := cur["selection"].(map[string]any); ok {
		for _, key := range levelKeys[:level] {
			if v := prev[key]; truthy(v) {
				selection[key] = v
			}
		}
	}
	if level == 0 {
		selection["chapter"] = node.Code
	} else if node.NodeID != 0 {
		selection[levelKeys[level]] = node.NodeID
	}

	var nodeID any
	if node.NodeID != 0 {
		nodeID = node.NodeID
	}
	path := append(prefix(cur["classification_path"], level), map[string]any{
		"type":                  levelKeys[level],
		"code":                  node.Code,
		"description":           node.Description,
		"is_group":              node.IsGroup,
		"node_id":               nodeID,
		"confidence":            1.0,
		"cumulative_confidence": 1.0,
	})

	nextStage := "complete"
	if level < len(levelKeys)-1 {
		nextStage = levelKeys[level+1]
	}

	visited := prefix(cur["visited_nodes"], -1)
	if node.NodeID != 0 && !slices.ContainsFunc(visited, func(v any) bool {
		f, ok := v.(float64)
		return ok && int(f) == node.NodeID
	}) {
		visited = append(visited, node.NodeID)
	}

	multi := true
	if v, ok := cur["use_multi_hypothesis"].(bool); ok {
		multi = v
	}

	out := map[string]any{
		"product":                  firstTruthy(cur["product"], cur["original_query"]),
		"original_query":           firstTruthy(cur["original_query"], cur["product"]),
		"current_query":            firstTruthy(cur["current_query"], cur["product"]),
		"questions_asked":          0,
		"selection":                selection,
		"current_node":             nodeID,
		"classification_path":      path,
		"steps":                    prefix(cur["steps"], level),
		"conversation":             []any{},
		"pending_question":         nil,
		"pending_stage":            nextStage,
		"max_questions":            firstTruthy(cur["max_questions"], 3),
		"visited_nodes":            visited,
		"history":                  orEmptyList(cur["history"]),
		"product_attributes":       orEmptyObject(cur["product_attributes"]),
		"recent_questions":         []any{},
		"global_retry_count":       0,
		"classification_diagnosis": nil,
		"use_multi_hypothesis":     multi,
		"hypothesis_count":         firstTruthy(cur["hypothesis_count"], 3),
		"paths":                    []any{},
		"beam":                     []any{},
		"streaming":                true,
		"iteration_count":          0,
	}
	return json.Marshal(out)
}

// prefix returns the first n entries of a JSON array value, or all of them
// when n is negative. Non-arrays yield an empty list.
func prefix(v any, n int) []any {
	list, _ := v.([]any)
	if n < 0 || n > len(list) {
		n = len(list)
	}
	return append([]any{}, list[:n]...)
}

func firstTruthy(vals ...any) any {
	for _, v := range vals {
		if truthy(v) {
			return v
		}
	}
	return nil
}

func orEmptyList(v any) any {
	if truthy(v) {
		return v
	}
	return []any{}
}

func orEmptyObject(v any) any {
	if truthy(v) {
		return v
	}
	return map[string]any{}
}

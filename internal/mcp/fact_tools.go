package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatwatch/internal/mangle"
)

var errNoEngine = errors.New("fact engine is disabled (mangle.enable: false)")

// QueryFactsTool runs a single-atom Mangle query.
type QueryFactsTool struct {
	engine *mangle.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Run a Mangle query over the prompt and response lifecycle facts.

EXAMPLES:
- truncated_answer(S).            sessions whose answer hit a deadline mid-stream
- response_final(S, O, Len, Ms).  every finished answer with outcome and length
- prompt_sent("session-1", P, T). dispatch path and time for one session
- slow_answer(S, Ms).             answers that took longer than 30s

Returns: {success, count, results: [{Var: value}]}`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle atom ending with a period, e.g. answered(S).",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	query := strings.TrimSpace(getStringArg(args, "query"))
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if !strings.HasSuffix(query, ".") {
		query += "."
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success": true,
		"count":   len(results),
		"results": results,
	}, nil
}

// ReadFactsTool returns the newest buffered facts.
type ReadFactsTool struct {
	engine *mangle.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }
func (t *ReadFactsTool) Description() string {
	return `Read recent facts from the buffer, newest last.

Optional filters: predicate (e.g. response_final) and session_id.`
}
func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate":  map[string]interface{}{"type": "string", "description": "Only facts of this predicate"},
			"session_id": map[string]interface{}{"type": "string", "description": "Only facts whose first argument is this session"},
			"limit":      map[string]interface{}{"type": "integer", "description": "Maximum facts to return (default 50, max 500)"},
		},
	}
}
func (t *ReadFactsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	limit := getIntArg(args, "limit", 50)
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	facts := selectRecentFacts(t.engine, getStringArg(args, "session_id"), getStringArg(args, "predicate"), limit)
	return map[string]interface{}{
		"success": true,
		"count":   len(facts),
		"facts":   facts,
	}, nil
}

// EvaluateRuleTool derives every fact of a rule head.
type EvaluateRuleTool struct {
	engine *mangle.Engine
}

func (t *EvaluateRuleTool) Name() string { return "evaluate-rule" }
func (t *EvaluateRuleTool) Description() string {
	return `Evaluate a derived predicate and return all of its facts.

Built-in rules: answered, empty_answer, truncated_answer, extended_answer,
slow_answer, unanswered_prompt.`
}
func (t *EvaluateRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Rule head predicate name",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *EvaluateRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	facts, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":   true,
		"predicate": predicate,
		"count":     len(facts),
		"facts":     facts,
	}, nil
}

// selectRecentFacts keeps the newest limit facts in chronological order.
// An empty sessionID matches every session.
func selectRecentFacts(engine *mangle.Engine, sessionID, predicate string, limit int) []mangle.Fact {
	if engine == nil || limit <= 0 {
		return []mangle.Fact{}
	}

	var source []mangle.Fact
	if predicate != "" {
		source = engine.FactsByPredicate(predicate)
	} else {
		source = engine.Facts()
	}

	out := make([]mangle.Fact, 0, min(limit, len(source)))
	for i := len(source) - 1; i >= 0 && len(out) < limit; i-- {
		f := source[i]
		if sessionID != "" && (len(f.Args) == 0 || fmt.Sprintf("%v", f.Args[0]) != sessionID) {
			continue
		}
		out = append(out, f)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

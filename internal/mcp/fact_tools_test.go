package mcp

import (
	"context"
	"testing"
	"time"

	"chatwatch/internal/mangle"
)

func seedFacts(t *testing.T, engine *mangle.Engine) {
	t.Helper()
	now := time.Now()
	facts := []mangle.Fact{
		{Predicate: "prompt_sent", Args: []interface{}{"s1", "keys", now.UnixMilli()}, Timestamp: now},
		{Predicate: "response_final", Args: []interface{}{"s1", "done", int64(42), int64(3500)}, Timestamp: now},
		{Predicate: "prompt_sent", Args: []interface{}{"s2", "inject", now.UnixMilli()}, Timestamp: now},
		{Predicate: "response_final", Args: []interface{}{"s2", "timed_out_partial", int64(7), int64(60000)}, Timestamp: now},
	}
	if err := engine.AddFacts(context.Background(), facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}
}

func TestQueryFactsTool(t *testing.T) {
	server, engine := setupTestServer(t)
	seedFacts(t, engine)
	ctx := context.Background()

	t.Run("derived rule", func(t *testing.T) {
		result, err := server.ExecuteTool(ctx, "query-facts", map[string]interface{}{"query": "truncated_answer(S)"})
		if err != nil {
			t.Fatalf("query-facts failed: %v", err)
		}
		m := result.(map[string]interface{})
		rows := m["results"].([]mangle.QueryResult)
		if len(rows) != 1 || rows[0]["S"] != "s2" {
			t.Errorf("expected s2 truncated, got %v", rows)
		}
	})

	t.Run("bound argument", func(t *testing.T) {
		result, err := server.ExecuteTool(ctx, "query-facts", map[string]interface{}{"query": `prompt_sent("s1", P, T).`})
		if err != nil {
			t.Fatalf("query-facts failed: %v", err)
		}
		rows := result.(map[string]interface{})["results"].([]mangle.QueryResult)
		if len(rows) != 1 || rows[0]["P"] != "keys" {
			t.Errorf("expected keys path for s1, got %v", rows)
		}
	})

	t.Run("parse error", func(t *testing.T) {
		if _, err := server.ExecuteTool(ctx, "query-facts", map[string]interface{}{"query": "((("}); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestReadFactsTool(t *testing.T) {
	server, engine := setupTestServer(t)
	seedFacts(t, engine)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]interface{}
		want int
	}{
		{"all", map[string]interface{}{}, 4},
		{"by predicate", map[string]interface{}{"predicate": "prompt_sent"}, 2},
		{"by session", map[string]interface{}{"session_id": "s2"}, 2},
		{"by both", map[string]interface{}{"session_id": "s1", "predicate": "response_final"}, 1},
		{"limit", map[string]interface{}{"limit": 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := server.ExecuteTool(ctx, "read-facts", tt.args)
			if err != nil {
				t.Fatalf("read-facts failed: %v", err)
			}
			if got := result.(map[string]interface{})["count"].(int); got != tt.want {
				t.Errorf("expected %d facts, got %d", tt.want, got)
			}
		})
	}
}

func TestSelectRecentFactsKeepsNewest(t *testing.T) {
	_, engine := setupTestServer(t)
	seedFacts(t, engine)

	facts := selectRecentFacts(engine, "", "", 2)
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}
	if facts[0].Predicate != "prompt_sent" || facts[1].Predicate != "response_final" {
		t.Errorf("expected chronological order of the newest two, got %v, %v", facts[0].Predicate, facts[1].Predicate)
	}
	if facts[1].Args[0] != "s2" {
		t.Errorf("expected the newest fact last, got %v", facts[1].Args)
	}
}

func TestEvaluateRuleTool(t *testing.T) {
	server, engine := setupTestServer(t)
	seedFacts(t, engine)

	result, err := server.ExecuteTool(context.Background(), "evaluate-rule", map[string]interface{}{"predicate": "slow_answer"})
	if err != nil {
		t.Fatalf("evaluate-rule failed: %v", err)
	}
	m := result.(map[string]interface{})
	if m["count"].(int) != 1 {
		t.Fatalf("expected one slow answer, got %v", m)
	}
	facts := m["facts"].([]mangle.Fact)
	if facts[0].Args[0] != "s2" {
		t.Errorf("expected s2 to be slow, got %v", facts[0].Args)
	}
}

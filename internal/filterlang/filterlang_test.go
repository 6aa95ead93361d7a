package filterlang

import (
	"strings"
	"testing"
)

func TestCompileEmpty(t *testing.T) {
	clause, args := Compile(Query{}, "aid-1")
	if clause != "1=1" {
		t.Errorf("expected trivial clause, got %q", clause)
	}
	if len(args) != 1 || args[0] != "aid-1" {
		t.Errorf("expected base args preserved, got %v", args)
	}
}

func TestCompileFreeText(t *testing.T) {
	clause, args := Compile(Query{Text: "alice"})
	if !strings.Contains(clause, "student_name LIKE ?") {
		t.Errorf("expected free-text clause, got %q", clause)
	}
	if len(args) != 1 || args[0] != "%alice%" {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestCompileNumericFilter(t *testing.T) {
	q := Query{Filters: []FilterItem{{Key: "total_net_events", Op: OpGT, Val: "100"}}}
	clause, args := Compile(q)
	if !strings.Contains(clause, "CAST(f.value AS INTEGER) > ?") {
		t.Errorf("expected numeric comparison, got %q", clause)
	}
	if len(args) != 2 || args[0] != "total_net_events" || args[1] != "100" {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestCompileDropsUnknownKey(t *testing.T) {
	q := Query{Filters: []FilterItem{{Key: "not_a_real_key", Op: OpEQ, Val: "1"}}}
	clause, _ := Compile(q)
	if clause != "1=1" {
		t.Errorf("expected unknown key to be dropped silently, got %q", clause)
	}
}

func TestCompileDropsUnknownOp(t *testing.T) {
	q := Query{Filters: []FilterItem{{Key: "total_net_events", Op: "between", Val: "1"}}}
	clause, _ := Compile(q)
	if clause != "1=1" {
		t.Errorf("expected unknown op to be dropped silently, got %q", clause)
	}
}

func TestCompileDropsNonNumericValue(t *testing.T) {
	q := Query{Filters: []FilterItem{{Key: "total_net_events", Op: OpGT, Val: "not-a-number"}}}
	clause, _ := Compile(q)
	if clause != "1=1" {
		t.Errorf("expected non-numeric value to be dropped silently, got %q", clause)
	}
}

func TestCompileBooleanFilter(t *testing.T) {
	q := Query{Filters: []FilterItem{{Key: "had_browser", Op: OpEQ, Val: "true"}}}
	clause, args := Compile(q)
	if !strings.Contains(clause, "EXISTS") || !strings.Contains(clause, "f.key = ?") {
		t.Errorf("expected boolean EXISTS clause, got %q", clause)
	}
	if len(args) != 1 || args[0] != "had_browser" {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestCompileExists(t *testing.T) {
	q := Query{Filters: []FilterItem{{Key: "ssh_activity", Op: OpExists}}}
	clause, args := Compile(q)
	if !strings.HasPrefix(clause, "EXISTS") {
		t.Errorf("expected EXISTS clause, got %q", clause)
	}
	if len(args) != 1 || args[0] != "ssh_activity" {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestIsNumericAndBooleanKey(t *testing.T) {
	if !IsNumericKey("duration_minutes") {
		t.Error("expected duration_minutes to be numeric")
	}
	if IsNumericKey("had_browser") {
		t.Error("had_browser should not be numeric")
	}
	if !IsBooleanKey("remote_collab_tool_seen") {
		t.Error("expected remote_collab_tool_seen to be boolean")
	}
}

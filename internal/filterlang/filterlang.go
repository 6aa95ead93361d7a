// Package filterlang parses and compiles the admin UI's filter language —
// a flat list of {key, op, val} predicates over a closed set of numeric
// and boolean finding keys — into parameterized SQL EXISTS subqueries
// correlated against findings.submission_ref.
package filterlang

import (
	"fmt"
	"strconv"
	"strings"
)

// Op is a filter predicate's comparison operator.
type Op string

const (
	OpGT     Op = "gt"
	OpGE     Op = "ge"
	OpEQ     Op = "eq"
	OpLE     Op = "le"
	OpLT     Op = "lt"
	OpNE     Op = "ne"
	OpExists Op = "exists"
)

var validOps = map[Op]bool{
	OpGT: true, OpGE: true, OpEQ: true, OpLE: true, OpLT: true, OpNE: true, OpExists: true,
}

// numericKeys is the closed whitelist of counter-like finding keys; values
// are compared as integers via a cast, matching only rows whose stored
// value is a digit-string.
var numericKeys = map[string]bool{
	"duration_minutes": true, "total_net_events": true, "unique_domains": true,
	"requests_per_min": true, "burst_max_events_per_min": true, "final5_net_events": true,
	"total_proc_starts": true, "total_proc_stops": true, "browser_runtime_seconds": true,
	"shell_invocations": true, "external_download_tool_count": true, "ai_hits_total": true,
	"ai_ratio_percent": true, "qna_hits": true, "code_host_hits": true, "search_hits": true,
	"pkg_hits": true, "cloud_hits": true,
}

// booleanKeys is the closed whitelist of boolean finding keys, matched
// case-insensitively against true|1|yes.
var booleanKeys = map[string]bool{
	"had_browser": true, "remote_collab_tool_seen": true, "ssh_activity": true,
}

func IsNumericKey(key string) bool { return numericKeys[key] }
func IsBooleanKey(key string) bool { return booleanKeys[key] }

// FilterItem is one predicate in an admin query.
type FilterItem struct {
	Key string `json:"key"`
	Op  Op     `json:"op"`
	Val string `json:"val,omitempty"`
}

// Query is a full admin-submission-list request: an optional free-text
// match on student_name plus a list of FilterItems, all ANDed together.
type Query struct {
	Text    string
	Filters []FilterItem
}

// Compile renders q into a WHERE clause fragment (minus the leading
// "WHERE") plus its positional args, to be appended after a base query
// already filtered to one assignment. Unknown keys and unknown ops are
// dropped silently rather than erroring the whole query, since the UI
// builds it incrementally.
func Compile(q Query, baseArgs ...interface{}) (clause string, args []interface{}) {
	var clauses []string
	args = append(args, baseArgs...)

	if strings.TrimSpace(q.Text) != "" {
		clauses = append(clauses, "student_name LIKE ?")
		args = append(args, "%"+q.Text+"%")
	}

	for _, item := range q.Filters {
		frag, itemArgs, ok := compileItem(item)
		if !ok {
			continue
		}
		clauses = append(clauses, frag)
		args = append(args, itemArgs...)
	}

	if len(clauses) == 0 {
		return "1=1", args
	}
	return strings.Join(clauses, " AND "), args
}

func compileItem(item FilterItem) (string, []interface{}, bool) {
	if !validOps[item.Op] {
		return "", nil, false
	}
	switch {
	case item.Op == OpExists:
		if !IsNumericKey(item.Key) && !IsBooleanKey(item.Key) {
			return "", nil, false
		}
		return "EXISTS (SELECT 1 FROM findings f WHERE f.submission_ref = submissions.id AND f.key = ?)",
			[]interface{}{item.Key}, true
	case IsNumericKey(item.Key):
		sqlOp, ok := numericSQLOp(item.Op)
		if !ok {
			return "", nil, false
		}
		if _, err := strconv.Atoi(item.Val); err != nil {
			return "", nil, false
		}
		frag := fmt.Sprintf(
			"EXISTS (SELECT 1 FROM findings f WHERE f.submission_ref = submissions.id AND f.key = ? AND f.value GLOB '[0-9]*' AND CAST(f.value AS INTEGER) %s ?)",
			sqlOp,
		)
		return frag, []interface{}{item.Key, item.Val}, true
	case IsBooleanKey(item.Key):
		// eq/ne are the only operators that make sense on a boolean key;
		// others are dropped.
		want := strings.EqualFold(item.Val, "true") || item.Val == "1" || strings.EqualFold(item.Val, "yes")
		switch item.Op {
		case OpEQ:
			if want {
				return "EXISTS (SELECT 1 FROM findings f WHERE f.submission_ref = submissions.id AND f.key = ? AND LOWER(f.value) IN ('true','1','yes'))",
					[]interface{}{item.Key}, true
			}
			return "NOT EXISTS (SELECT 1 FROM findings f WHERE f.submission_ref = submissions.id AND f.key = ? AND LOWER(f.value) IN ('true','1','yes'))",
				[]interface{}{item.Key}, true
		case OpNE:
			if want {
				return "NOT EXISTS (SELECT 1 FROM findings f WHERE f.submission_ref = submissions.id AND f.key = ? AND LOWER(f.value) IN ('true','1','yes'))",
					[]interface{}{item.Key}, true
			}
			return "EXISTS (SELECT 1 FROM findings f WHERE f.submission_ref = submissions.id AND f.key = ? AND LOWER(f.value) IN ('true','1','yes'))",
				[]interface{}{item.Key}, true
		default:
			return "", nil, false
		}
	default:
		return "", nil, false // unknown key
	}
}

func numericSQLOp(op Op) (string, bool) {
	switch op {
	case OpGT:
		return ">", true
	case OpGE:
		return ">=", true
	case OpEQ:
		return "=", true
	case OpLE:
		return "<=", true
	case OpLT:
		return "<", true
	case OpNE:
		return "!=", true
	}
	return "", false
}

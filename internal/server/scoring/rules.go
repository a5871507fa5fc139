package scoring

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sshguardian/guardian/internal/models"
	"github.com/sshguardian/guardian/internal/server/features"
)

// Condition is one node of a rule's condition tree. A node is either a
// combinator (all/any of child conditions) or a leaf comparing a named
// field against a value.
type Condition struct {
	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`

	Field string `json:"field,omitempty"`
	Op    string `json:"op,omitempty"` // eq, ne, gt, gte, lt, lte, in, contains
	Value any    `json:"value,omitempty"`
}

// RuleMatch reports a rule that fired against an event.
type RuleMatch struct {
	RuleID   int64
	RuleName string
	Severity int
	Rule     models.BlockingRule
}

// EvaluateRules runs the enabled rules (already sorted by priority) against
// the event and its features. The first match wins; rules with malformed
// condition trees are skipped.
func EvaluateRules(rules []models.BlockingRule, event models.AuthEvent, vec features.Vector, geo models.IPGeo) (RuleMatch, bool) {
	fields := fieldMap(event, vec, geo)
	for _, rule := range rules {
		var cond Condition
		if err := json.Unmarshal([]byte(rule.Conditions), &cond); err != nil {
			continue
		}
		if cond.eval(fields) {
			return RuleMatch{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Severity: rule.Severity,
				Rule:     rule,
			}, true
		}
	}
	return RuleMatch{}, false
}

func (c Condition) eval(fields map[string]any) bool {
	switch {
	case len(c.All) > 0:
		for _, child := range c.All {
			if !child.eval(fields) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for _, child := range c.Any {
			if child.eval(fields) {
				return true
			}
		}
		return false
	case c.Field != "":
		return evalLeaf(fields, c.Field, c.Op, c.Value)
	default:
		return false
	}
}

func evalLeaf(fields map[string]any, field, op string, want any) bool {
	have, ok := fields[field]
	if !ok {
		return false
	}

	switch op {
	case "eq":
		return compareEq(have, want)
	case "ne":
		return !compareEq(have, want)
	case "gt", "gte", "lt", "lte":
		hf, hok := toFloat(have)
		wf, wok := toFloat(want)
		if !hok || !wok {
			return false
		}
		switch op {
		case "gt":
			return hf > wf
		case "gte":
			return hf >= wf
		case "lt":
			return hf < wf
		default:
			return hf <= wf
		}
	case "in":
		list, ok := want.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if compareEq(have, item) {
				return true
			}
		}
		return false
	case "contains":
		hs, hok := have.(string)
		ws, wok := want.(string)
		return hok && wok && strings.Contains(hs, ws)
	default:
		return false
	}
}

func compareEq(have, want any) bool {
	if hf, hok := toFloat(have); hok {
		if wf, wok := toFloat(want); wok {
			return hf == wf
		}
	}
	return fmt.Sprintf("%v", have) == fmt.Sprintf("%v", want)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// fieldMap exposes the event, enrichment row, and feature vector under the
// names rule authors use in condition trees.
func fieldMap(event models.AuthEvent, vec features.Vector, geo models.IPGeo) map[string]any {
	fields := map[string]any{
		"event_type":     string(event.EventType),
		"username":       event.Username,
		"source_ip":      event.SourceIP,
		"auth_method":    event.AuthMethod,
		"failure_reason": event.FailureReason,
		"target_port":    event.TargetPort,
		"country_code":   strings.ToUpper(geo.CountryCode),
		"threat_level":   string(geo.ThreatLevel),
		"abuse_score":    geo.AbuseScore,
		"is_proxy":       geo.IsProxy,
		"is_vpn":         geo.IsVPN,
		"is_tor":         geo.IsTor,
		"is_datacenter":  geo.IsDatacenter,
	}
	// Feature vector fields keep their JSON names.
	raw, err := json.Marshal(vec)
	if err == nil {
		var featFields map[string]any
		if json.Unmarshal(raw, &featFields) == nil {
			for k, v := range featFields {
				fields[k] = v
			}
		}
	}
	return fields
}

package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/capsuleforge/orchestrator/internal/models"
)

// securityRule is one static pattern with its severity.
type securityRule struct {
	id       string
	pattern  *regexp.Regexp
	severity models.Severity
	message  string
}

var securityRules = []securityRule{
	{
		id:       "hardcoded-secret",
		pattern:  regexp.MustCompile(`(?i)(password|secret|api[_-]?key|token)\s*[:=]\s*["'][^"']{8,}["']`),
		severity: models.SeverityCritical,
		message:  "hardcoded credential",
	},
	{
		id:       "shell-injection",
		pattern:  regexp.MustCompile(`(?i)(os\.system|subprocess\.(call|run|Popen)\([^)]*shell\s*=\s*True|child_process\.exec\()`),
		severity: models.SeverityCritical,
		message:  "shell execution of dynamic input",
	},
	{
		id:       "eval",
		pattern:  regexp.MustCompile(`(?i)\beval\s*\(|\bexec\s*\(`),
		severity: models.SeverityError,
		message:  "dynamic code evaluation",
	},
	{
		id:       "sql-concat",
		pattern:  regexp.MustCompile(`(?i)(SELECT|INSERT|UPDATE|DELETE)[^"']*["']\s*\+|f["'].*?(SELECT|INSERT|UPDATE|DELETE).*?\{`),
		severity: models.SeverityError,
		message:  "SQL built by string concatenation",
	},
	{
		id:       "insecure-deserialize",
		pattern:  regexp.MustCompile(`(?i)(pickle\.loads?|yaml\.load\s*\([^)]*\)$|Marshal\.load)`),
		severity: models.SeverityError,
		message:  "unsafe deserialization",
	},
	{
		id:       "weak-hash",
		pattern:  regexp.MustCompile(`(?i)\b(md5|sha1)\s*\(`),
		severity: models.SeverityWarning,
		message:  "weak hash algorithm",
	},
}

// SecurityValidator runs the static rule set. Any critical finding fails
// the check; error-level findings fail it too per the high-severity rule.
type SecurityValidator struct{}

func (v *SecurityValidator) Name() string { return "security" }
func (v *SecurityValidator) Kind() string { return "security" }

func (v *SecurityValidator) Validate(_ context.Context, a Artifact) models.ValidationCheck {
	check := models.ValidationCheck{
		Name:     v.Name(),
		Kind:     v.Kind(),
		Status:   models.CheckPassed,
		Severity: models.SeverityInfo,
	}

	var findings []string
	worst := models.SeverityInfo
	for _, rule := range securityRules {
		if rule.pattern.MatchString(a.Code) {
			findings = append(findings, fmt.Sprintf("%s: %s", rule.id, rule.message))
			if severityRank(rule.severity) > severityRank(worst) {
				worst = rule.severity
			}
		}
	}
	if len(findings) == 0 {
		return check
	}

	check.Severity = worst
	check.Message = strings.Join(findings, "; ")
	check.Details = map[string]interface{}{"findings": findings}
	switch worst {
	case models.SeverityCritical, models.SeverityError:
		check.Status = models.CheckFailed
	default:
		check.Status = models.CheckWarning
	}
	return check
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityInfo:
		return 0
	case models.SeverityWarning:
		return 1
	case models.SeverityError:
		return 2
	case models.SeverityCritical:
		return 3
	default:
		return 0
	}
}

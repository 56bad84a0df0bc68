// Package parser turns a raw model response into a label, one grammar
// per annotation domain. Parsing is a pure function dispatched through
// a small registry keyed by domain name; each grammar extracts the
// << >> labeled span, validates it against the domain's code set, and
// canonicalizes multi-label answers.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind distinguishes the three parse outcomes.
type Kind string

const (
	KindOK            Kind = "ok"
	KindParseError    Kind = "parse_error"
	KindValidityError Kind = "validity_error"
)

// Result is the outcome of Parse: exactly one of Label or Message is
// meaningful, discriminated by Kind.
type Result struct {
	Kind    Kind
	Label   string
	Message string
}

func ok(label string) Result        { return Result{Kind: KindOK, Label: label} }
func parseErr(msg string) Result    { return Result{Kind: KindParseError, Message: msg} }
func validityErr(msg string) Result { return Result{Kind: KindValidityError, Message: msg} }

// tagPattern extracts the content of a << >> labeled span, the wire
// format the prompt templates instruct the model to emit.
var tagPattern = regexp.MustCompile(`(?s)<<(.+?)>>`)

// Func is one domain's grammar: given the raw label text already
// extracted from the << >> span, return a Result.
type Func func(rawLabel string) Result

// registry maps domain name to its grammar. Populated by RegisterDefaults
// so the table is data, not a switch buried in Parse.
var registry = map[string]Func{}

func init() {
	RegisterDefaults()
}

// Register adds or overrides the grammar for domain.
func Register(domain string, fn Func) {
	registry[domain] = fn
}

// RegisterDefaults installs the six built-in domains: urgency,
// therapeutic, intensity, adjunct, modality, redressal.
func RegisterDefaults() {
	registry["urgency"] = parseUrgency
	registry["therapeutic"] = parseCodeList("TA", 1, 9)
	registry["intensity"] = parseSingleCode("INT", 1, 5)
	registry["adjunct"] = parseAdjunct
	registry["modality"] = parseCodeList("MOD", 1, 6)
	registry["redressal"] = parseRedressal
}

// Parse extracts the << >> span, then dispatches to the domain's
// grammar. A missing span is always a parse_error regardless of
// domain.
func Parse(rawText, domain string) Result {
	match := tagPattern.FindStringSubmatch(rawText)
	if match == nil {
		return parseErr("could not find << >> tags in response")
	}
	rawLabel := strings.TrimSpace(match[1])

	fn, ok := registry[domain]
	if !ok {
		return validityErr(fmt.Sprintf("unknown domain: %s", domain))
	}
	return fn(rawLabel)
}

var levelPattern = regexp.MustCompile(`(?i)LEVEL[_\s]*([0-4])`)

func parseUrgency(raw string) Result {
	m := levelPattern.FindStringSubmatch(raw)
	if m == nil {
		return validityErr(fmt.Sprintf("invalid urgency format: %s", raw))
	}
	return ok("LEVEL_" + m[1])
}

func parseSingleCode(prefix string, lo, hi int) Func {
	pattern := regexp.MustCompile(fmt.Sprintf(`(?i)%s-([%d-%d])`, prefix, lo, hi))
	return func(raw string) Result {
		m := pattern.FindStringSubmatch(raw)
		if m == nil {
			return validityErr(fmt.Sprintf("invalid %s format: %s", strings.ToLower(prefix), raw))
		}
		return ok(fmt.Sprintf("%s-%s", prefix, m[1]))
	}
}

// parseCodeList returns a grammar for multi-label domains: find every
// PREFIX-N occurrence, sort numerically, dedupe, and render as a
// comma-joined canonical label, so equivalent answers always produce
// the same string.
func parseCodeList(prefix string, lo, hi int) Func {
	pattern := regexp.MustCompile(fmt.Sprintf(`%s-([%d-%d])`, prefix, lo, hi))
	return func(raw string) Result {
		matches := pattern.FindAllStringSubmatch(raw, -1)
		if len(matches) == 0 {
			return validityErr(fmt.Sprintf("no valid %s codes found: %s", prefix, raw))
		}
		seen := map[int]bool{}
		var codes []int
		for _, m := range matches {
			n, _ := strconv.Atoi(m[1])
			if !seen[n] {
				seen[n] = true
				codes = append(codes, n)
			}
		}
		sort.Ints(codes)
		parts := make([]string, len(codes))
		for i, n := range codes {
			parts[i] = fmt.Sprintf("%s-%d", prefix, n)
		}
		return ok(strings.Join(parts, ", "))
	}
}

func parseAdjunct(raw string) Result {
	if strings.Contains(strings.ToUpper(raw), "NONE") {
		return ok("NONE")
	}
	return parseCodeList("ADJ", 1, 8)(raw)
}

func parseRedressal(raw string) Result {
	var points []string
	if err := json.Unmarshal([]byte(raw), &points); err != nil {
		return validityErr(fmt.Sprintf("invalid JSON in redressal points: %v", err))
	}
	if len(points) < 2 {
		return validityErr(fmt.Sprintf("too few redressal points (minimum 2): %s", raw))
	}
	if len(points) > 10 {
		return validityErr(fmt.Sprintf("too many redressal points (maximum 10): %s", raw))
	}
	canonical, err := json.Marshal(points)
	if err != nil {
		return validityErr(fmt.Sprintf("invalid redressal format: %v", err))
	}
	return ok(string(canonical))
}

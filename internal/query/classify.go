// Package query is the retrieval engine: it classifies incoming questions,
// dispatches per-tag search strategies, lets a bounded refinement agent
// enrich the candidate set, fuses keyword and semantic rankings, and
// packages the answer context.
package query

import "regexp"

// Tag labels the retrieval strategy a query routes to.
type Tag string

const (
	TagInfraCode      Tag = "infra_code"
	TagCodeGeneration Tag = "code_generation"
	TagDocLookup      Tag = "documentation"
	TagGeneral        Tag = "general"
)

var (
	infraPatterns = compileAll(
		`terraform`,
		`\.tf\b`,
		`(resource|provider|variable|output|module|data)\s+"`,
		`(aws|google|azurerm)_\w+`,
		`\bhcl\b`,
	)
	codeGenPatterns = compileAll(
		`create\s+\w+\s+resource`,
		`generate\s+code`,
		`write\s+\w+\s+for`,
		`how\s+to\s+create`,
		`example\s+of\s+\w+\s+resource`,
		`configuration\s+for`,
		`syntax\s+for`,
	)
	docPatterns = compileAll(
		`what\s+is`,
		`explain`,
		`describe`,
		`definition\s+of`,
		`documentation\s+for`,
		`reference\s+for`,
	)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

func anyMatch(patterns []*regexp.Regexp, query string) bool {
	for _, p := range patterns {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}

// Classify tags a query. Order matters: infrastructure-as-code wins over
// code generation wins over documentation lookup.
func Classify(query string) Tag {
	switch {
	case anyMatch(infraPatterns, query):
		return TagInfraCode
	case anyMatch(codeGenPatterns, query):
		return TagCodeGeneration
	case anyMatch(docPatterns, query):
		return TagDocLookup
	default:
		return TagGeneral
	}
}

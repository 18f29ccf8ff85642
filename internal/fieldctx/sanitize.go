package fieldctx

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Keys removed from related entities unless the requester can view financials.
var financialKeys = []string{"amount", "profitMargin", "revenue"}

// Keys that always identify a person and are removed from related entities.
var piiKeys = []string{"email", "phone", "ssn"}

// PIIPattern masks PII found in free-text values.
type PIIPattern struct {
	Name    string
	Type    string
	Pattern *regexp.Regexp
	Mask    string
}

var defaultPIIPatterns = []PIIPattern{
	{
		Name:    "email",
		Type:    "EMAIL",
		Pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		Mask:    "[EMAIL]",
	},
	{
		Name:    "ssn",
		Type:    "SSN",
		Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		Mask:    "[SSN]",
	},
	{
		Name:    "credit_card",
		Type:    "CREDIT_CARD",
		Pattern: regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
		Mask:    "[CREDIT_CARD]",
	},
	{
		Name:    "phone_us",
		Type:    "PHONE",
		Pattern: regexp.MustCompile(`(\+?1[-.\s]?)?\(?\b\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
		Mask:    "[PHONE]",
	},
}

// DefaultPIIPatterns returns the built-in patterns.
func DefaultPIIPatterns() []PIIPattern {
	return append([]PIIPattern(nil), defaultPIIPatterns...)
}

// Sanitizer removes restricted keys and masks PII in related data.
type Sanitizer struct {
	patterns []PIIPattern
}

// NewSanitizer creates a sanitizer with the built-in patterns plus extra.
func NewSanitizer(extra []PIIPattern) *Sanitizer {
	return &Sanitizer{patterns: append(DefaultPIIPatterns(), extra...)}
}

// Sanitize returns a copy of r with restricted data removed. r is not modified.
func (s *Sanitizer) Sanitize(r Related, perms Permissions) Related {
	out := Related{CurrentTab: s.Mask(r.CurrentTab)}
	if r.Opportunity != nil {
		opp := s.cleanEntity(r.Opportunity)
		if !perms.CanViewFinancials {
			for _, k := range financialKeys {
				delete(opp, k)
			}
		}
		out.Opportunity = opp
	}
	if r.Project != nil {
		out.Project = s.cleanEntity(r.Project)
	}
	if r.RelatedFields != nil {
		out.RelatedFields = make([]map[string]any, 0, len(r.RelatedFields))
		for _, f := range r.RelatedFields {
			out.RelatedFields = append(out.RelatedFields, s.cleanEntity(f))
		}
	}
	return out
}

// Mask replaces every PII match in text with its mask.
func (s *Sanitizer) Mask(text string) string {
	if text == "" {
		return text
	}
	for _, p := range s.patterns {
		text = p.Pattern.ReplaceAllString(text, p.Mask)
	}
	return text
}

func (s *Sanitizer) cleanEntity(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if str, ok := v.(string); ok {
			out[k] = s.Mask(str)
			continue
		}
		out[k] = v
	}
	for _, k := range piiKeys {
		delete(out, k)
	}
	return out
}

type patternFile struct {
	Patterns []struct {
		Name    string `yaml:"name"`
		Type    string `yaml:"type"`
		Pattern string `yaml:"pattern"`
		Mask    string `yaml:"mask"`
	} `yaml:"patterns"`
}

// LoadPIIPatterns reads additional patterns from a YAML file of the form:
//
//	patterns:
//	  - name: employee_id
//	    type: EMPLOYEE_ID
//	    pattern: 'EMP-\d{6}'
//	    mask: '[EMPLOYEE_ID]'
func LoadPIIPatterns(path string) ([]PIIPattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fieldctx: read pii patterns %s: %w", path, err)
	}
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("fieldctx: parse pii patterns %s: %w", path, err)
	}
	patterns := make([]PIIPattern, 0, len(file.Patterns))
	for _, def := range file.Patterns {
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return nil, fmt.Errorf("fieldctx: compile pattern %s: %w", def.Name, err)
		}
		mask := def.Mask
		if mask == "" {
			mask = "[" + strings.ToUpper(def.Type) + "]"
		}
		patterns = append(patterns, PIIPattern{Name: def.Name, Type: def.Type, Pattern: re, Mask: mask})
	}
	return patterns, nil
}

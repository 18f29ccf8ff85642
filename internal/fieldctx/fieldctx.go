// Package fieldctx assembles the surrounding context of a text field into the form used for
// prompt construction, and strips data the requester may not see or that must not leave the
// service.
package fieldctx

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/tokligence/enhance-gateway/internal/session"
)

// Field types understood by the assembler.
const (
	FieldOpportunityDescription = "opportunity_description"
	FieldProjectNote            = "project_note"
	FieldTableCell              = "table_cell"
	FieldComment                = "comment"
	FieldCustom                 = "custom_field"
)

// Context options a client may request.
const (
	OptionOpportunityDetails = "opportunity_details"
	OptionCurrentTab         = "current_tab"
	OptionRelatedFields      = "related_fields"
	OptionUserHistory        = "user_history"
)

// Permissions carries the requester capabilities relevant to sanitization.
type Permissions struct {
	CanViewFinancials bool
}

// Related holds data fetched around the field.
type Related struct {
	Opportunity   map[string]any   `json:"opportunity,omitempty"`
	Project       map[string]any   `json:"project,omitempty"`
	RelatedFields []map[string]any `json:"relatedFields,omitempty"`
	CurrentTab    string           `json:"currentTab,omitempty"`
}

// Assembled is the context handed to the prompt builder.
type Assembled struct {
	PrimaryText      string         `json:"primaryText"`
	Metadata         map[string]any `json:"metadata"`
	Related          Related        `json:"relatedData"`
	FormattedContext string         `json:"formattedContext"`
}

// EntityLookup resolves entities referenced by a field. A nil map with a nil error means the
// entity has nothing to contribute.
type EntityLookup interface {
	Opportunity(ctx context.Context, id string) (map[string]any, error)
	Project(ctx context.Context, id string) (map[string]any, error)
}

// StaticLookup returns placeholder entities without any external calls.
type StaticLookup struct{}

func (StaticLookup) Opportunity(ctx context.Context, id string) (map[string]any, error) {
	return map[string]any{"id": id, "name": "Sample Opportunity", "stage": "Proposal"}, nil
}

func (StaticLookup) Project(ctx context.Context, id string) (map[string]any, error) {
	return nil, nil
}

// Assembler builds Assembled values from session field contexts.
type Assembler struct {
	lookup    EntityLookup
	sanitizer *Sanitizer
	logger    *log.Logger
}

// NewAssembler creates an assembler. Nil arguments select StaticLookup, the default sanitizer
// and a discarding logger.
func NewAssembler(lookup EntityLookup, sanitizer *Sanitizer, logger *log.Logger) *Assembler {
	if lookup == nil {
		lookup = StaticLookup{}
	}
	if sanitizer == nil {
		sanitizer = NewSanitizer(nil)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Assembler{lookup: lookup, sanitizer: sanitizer, logger: logger}
}

// Assemble gathers context for fc. Lookup failures degrade to the bare primary text with an
// empty formatted context and are reported through the returned error for logging only.
func (a *Assembler) Assemble(ctx context.Context, fc session.FieldContext, options []string, perms Permissions) (Assembled, error) {
	out := Assembled{
		PrimaryText: fc.Text,
		Metadata:    map[string]any{"fieldType": fc.FieldType},
	}
	if fc.FieldID != "" {
		out.Metadata["fieldId"] = fc.FieldID
	}
	for k, v := range fc.Metadata {
		out.Metadata[k] = v
	}

	var err error
	switch fc.FieldType {
	case FieldOpportunityDescription:
		err = a.opportunity(ctx, fc, options, &out)
	case FieldProjectNote:
		err = a.project(ctx, fc, options, &out)
	case FieldTableCell, FieldComment, FieldCustom:
	default:
		a.logger.Printf("[WARN] fieldctx: unknown field type %q", fc.FieldType)
	}
	if err != nil {
		a.logger.Printf("[ERROR] fieldctx: assemble %s: %v", fc.FieldType, err)
		out.Related = Related{}
		out.FormattedContext = ""
		return out, err
	}

	out.Related = a.sanitizer.Sanitize(out.Related, perms)
	out.FormattedContext = format(out.Related)
	return out, nil
}

func (a *Assembler) opportunity(ctx context.Context, fc session.FieldContext, options []string, out *Assembled) error {
	if hasOption(options, OptionOpportunityDetails) && fc.EntityID != "" {
		opp, err := a.lookup.Opportunity(ctx, fc.EntityID)
		if err != nil {
			return fmt.Errorf("opportunity %s: %w", fc.EntityID, err)
		}
		out.Related.Opportunity = opp
	}
	if hasOption(options, OptionRelatedFields) && fc.EntityID != "" {
		out.Related.RelatedFields = []map[string]any{}
	}
	return nil
}

func (a *Assembler) project(ctx context.Context, fc session.FieldContext, options []string, out *Assembled) error {
	if hasOption(options, OptionCurrentTab) {
		if tab, ok := fc.Metadata["currentTab"].(string); ok && tab != "" {
			out.Related.CurrentTab = tab
		}
	}
	if hasOption(options, OptionOpportunityDetails) && fc.EntityID != "" {
		proj, err := a.lookup.Project(ctx, fc.EntityID)
		if err != nil {
			return fmt.Errorf("project %s: %w", fc.EntityID, err)
		}
		out.Related.Project = proj
	}
	return nil
}

// format renders related data as "Opportunity: X, Stage: Y, Current Tab: Z".
func format(r Related) string {
	var parts []string
	if r.Opportunity != nil {
		parts = append(parts, "Opportunity: "+stringOr(r.Opportunity["name"], "N/A"))
		if stage := stringOr(r.Opportunity["stage"], ""); stage != "" {
			parts = append(parts, "Stage: "+stage)
		}
	}
	if r.Project != nil {
		parts = append(parts, "Project: "+stringOr(r.Project["name"], "N/A"))
	}
	if r.CurrentTab != "" {
		parts = append(parts, "Current Tab: "+r.CurrentTab)
	}
	return strings.Join(parts, ", ")
}

func stringOr(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return fallback
	}
	return s
}

func hasOption(options []string, want string) bool {
	for _, o := range options {
		if o == want {
			return true
		}
	}
	return false
}

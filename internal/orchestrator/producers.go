package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jonathan/research-assistant/internal/llm"
	"github.com/jonathan/research-assistant/internal/prompts"
	"github.com/jonathan/research-assistant/internal/schemas"
	"github.com/jonathan/research-assistant/internal/types"
)

// produceRequest describes the cell a producer fills in. session is a snapshot
// holding the target at idx; the prompt context is built from the cells before it.
type produceRequest struct {
	sessionID string
	session   *types.Session
	idx       int
	cellID    string
	step      Step
	comment   string
}

// output is what a producer decided for the target cell
type output struct {
	content      string
	metadata     types.Metadata
	status       types.CellStatus
	requiresUser bool
	canProceed   bool
}

var stageTiers = map[types.CellKind]llm.ModelTier{
	types.KindInitialization: llm.TierStandard,
	types.KindAbstract:       llm.TierStandard,
	types.KindDataAssessment: llm.TierLite,
	types.KindDataCollection: llm.TierLite,
	types.KindAnalysisPlan:   llm.TierAdvanced,
	types.KindCode:           llm.TierAdvanced,
	types.KindResult:         llm.TierStandard,
	types.KindWriteup:        llm.TierAdvanced,
}

var contentField = llm.SchemaField{Name: "content", Description: "text shown to the user for this stage", Required: true}

var stageFields = map[types.CellKind][]llm.SchemaField{
	types.KindInitialization: {
		contentField,
		{Name: "search_queries", Type: `["string"]`, Description: "literature search queries"},
		{Name: "references", Type: `[{"title": "string", "authors": ["string"], "year": 2020, "venue": "string", "url": "string", "doi": "string", "summary": "string"}]`, Required: true},
	},
	types.KindAbstract: {
		contentField,
		{Name: "title", Description: "working title of the study"},
		{Name: "keywords", Type: `["string"]`},
	},
	types.KindDataAssessment: {
		contentField,
		{Name: "has_data", Type: "true|false", Required: true},
		{Name: "gaps", Type: `["string"]`},
		{Name: "suggested_sources", Type: `["string"]`},
	},
	types.KindDataCollection: {
		contentField,
		{Name: "instructions", Type: `["string"]`, Description: "ordered steps for the user", Required: true},
		{Name: "suggested_sources", Type: `["string"]`},
	},
	types.KindAnalysisPlan: {
		contentField,
		{Name: "steps", Type: `[{"title": "string", "description": "string", "expected_output": "string"}]`, Required: true},
		{Name: "libraries", Type: `[{"name": "string", "version": "string", "purpose": "string"}]`},
	},
	types.KindCode: {
		{Name: "content", Description: "one-line explanation of the script"},
		{Name: "code", Description: "complete Python 3 script", Required: true},
		{Name: "libraries", Type: `[{"name": "string", "version": "string", "purpose": "string"}]`},
	},
	types.KindResult: {
		contentField,
		{Name: "variables", Type: `[{"name": "string", "value": "string|number|boolean", "type": "string", "description": "string"}]`},
		{Name: "visualizations", Type: `[{"title": "string", "path": "string", "kind": "string", "description": "string"}]`},
	},
	types.KindWriteup: {
		contentField,
		{Name: "title", Required: true},
		{Name: "sections", Type: `[{"heading": "string", "body": "string"}]`},
	},
}

// produce calls the collaborator for the target's kind
func (e *Engine) produce(ctx context.Context, req produceRequest) (*output, error) {
	switch req.step.Kind {
	case types.KindInitialization:
		return e.produceInitialization(ctx, req)
	case types.KindAbstract:
		return e.produceAbstract(ctx, req)
	case types.KindDataAssessment:
		return e.produceDataAssessment(ctx, req)
	case types.KindDataCollection:
		return e.produceDataCollection(ctx, req)
	case types.KindAnalysisPlan:
		return e.produceAnalysisPlan(ctx, req)
	case types.KindCode:
		return e.produceCode(ctx, req)
	case types.KindResult:
		return e.produceResult(ctx, req)
	case types.KindWriteup:
		return e.produceWriteup(ctx, req)
	default:
		return nil, fmt.Errorf("%w: no producer for %s", ErrWrongKind, req.step.Kind)
	}
}

// generate renders the stage prompt, calls the model and decodes the validated JSON into out
func (e *Engine) generate(ctx context.Context, req produceRequest, data map[string]string, out any) error {
	kind := req.step.Kind
	if !schemas.HasStage(string(kind)) {
		return fmt.Errorf("%w: %s has no output schema", ErrWrongKind, kind)
	}
	instructions, err := prompts.Render(prompts.ResearchFile, string(kind), data)
	if err != nil {
		return fmt.Errorf("failed to render %s prompt: %w", kind, err)
	}
	prompt := llm.BuildPrompt(llm.OutputSchema{
		Name:        string(kind),
		Description: instructions,
		Fields:      stageFields[kind],
	}, BuildContext(req.session, req.idx, e.contextChars), req.comment)

	raw, err := e.llm.GenerateJSON(ctx, prompt, stageTiers[kind])
	if err != nil {
		return fmt.Errorf("failed to generate %s: %w", kind, err)
	}
	if err := schemas.ValidateStage(string(kind), raw); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to decode %s output: %w", kind, err)
	}
	return nil
}

// withProgress streams the rendered progress lines into the target cell while fn runs
// and waits for the stream to stop before returning
func (e *Engine) withProgress(ctx context.Context, req produceRequest, key string, data map[string]string, fn func() error) error {
	lines, err := prompts.Lines(prompts.ResearchFile, key, data)
	if err != nil {
		e.logger.Warn("progress lines unavailable", zap.String("prompt", key), zap.Error(err))
		return fn()
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := e.reporter.StreamLines(sctx, req.sessionID, req.cellID, lines, e.streamDelay)
	err = fn()
	if err != nil {
		cancel()
	}
	<-done
	return err
}

func (e *Engine) produceInitialization(ctx context.Context, req produceRequest) (*output, error) {
	var out struct {
		Content       string            `json:"content"`
		SearchQueries []string          `json:"search_queries"`
		References    []types.Reference `json:"references"`
	}
	err := e.withProgress(ctx, req, "initialization_progress", map[string]string{"Goal": llm.Truncate(req.session.Goal, 120)}, func() error {
		return e.generate(ctx, req, nil, &out)
	})
	if err != nil {
		return nil, err
	}

	refs := out.References
	if e.enricher != nil && len(refs) > 0 {
		refs = e.enricher.Enrich(ctx, refs)
	}
	return &output{
		content:  out.Content,
		metadata: &types.InitializationMetadata{SearchQueries: out.SearchQueries, References: refs},
		status:   types.StatusCompleted,
	}, nil
}

func (e *Engine) produceAbstract(ctx context.Context, req produceRequest) (*output, error) {
	var out struct {
		Content  string   `json:"content"`
		Title    string   `json:"title"`
		Keywords []string `json:"keywords"`
	}
	if err := e.generate(ctx, req, nil, &out); err != nil {
		return nil, err
	}
	return &output{
		content:  out.Content,
		metadata: &types.AbstractMetadata{Title: out.Title, Keywords: out.Keywords},
		status:   types.StatusCompleted,
	}, nil
}

func (e *Engine) produceDataAssessment(ctx context.Context, req produceRequest) (*output, error) {
	var out struct {
		Content          string   `json:"content"`
		HasData          bool     `json:"has_data"`
		Gaps             []string `json:"gaps"`
		SuggestedSources []string `json:"suggested_sources"`
	}
	err := e.withProgress(ctx, req, "data_assessment_progress", nil, func() error {
		return e.generate(ctx, req, nil, &out)
	})
	if err != nil {
		return nil, err
	}

	// the model can only confirm data the session actually has
	files := req.session.DataFiles()
	return &output{
		content: out.Content,
		metadata: &types.DataAssessmentMetadata{
			HasData:          out.HasData && len(files) > 0,
			DataFiles:        files,
			Gaps:             out.Gaps,
			SuggestedSources: out.SuggestedSources,
		},
		status: types.StatusCompleted,
	}, nil
}

func (e *Engine) produceDataCollection(ctx context.Context, req produceRequest) (*output, error) {
	var out struct {
		Content          string   `json:"content"`
		Instructions     []string `json:"instructions"`
		SuggestedSources []string `json:"suggested_sources"`
	}
	if err := e.generate(ctx, req, nil, &out); err != nil {
		return nil, err
	}

	// files already provided survive a rerun
	var provided []types.DataFile
	if prev, ok := types.MetadataAs[types.DataCollectionMetadata](&req.session.Cells[req.idx]); ok {
		provided = prev.DataFiles
	}
	return &output{
		content: out.Content,
		metadata: &types.DataCollectionMetadata{
			Instructions:     out.Instructions,
			SuggestedSources: out.SuggestedSources,
			DataFiles:        provided,
		},
		status:       types.StatusCompleted,
		requiresUser: true,
		canProceed:   len(provided) > 0,
	}, nil
}

func (e *Engine) produceAnalysisPlan(ctx context.Context, req produceRequest) (*output, error) {
	var out struct {
		Content   string           `json:"content"`
		Steps     []types.PlanStep `json:"steps"`
		Libraries []types.Library  `json:"libraries"`
	}
	if err := e.generate(ctx, req, map[string]string{"MaxSteps": strconv.Itoa(e.maxSteps)}, &out); err != nil {
		return nil, err
	}
	steps := out.Steps
	if len(steps) > e.maxSteps {
		steps = steps[:e.maxSteps]
	}
	return &output{
		content:  out.Content,
		metadata: &types.AnalysisPlanMetadata{Steps: steps, Libraries: out.Libraries},
		status:   types.StatusCompleted,
	}, nil
}

// planStep returns the plan step a code or result cell at idx works on
func (e *Engine) planStep(req produceRequest) (types.PlanStep, int, error) {
	plan := req.session.LastOfKind(types.KindAnalysisPlan, req.idx)
	m, ok := types.MetadataAs[types.AnalysisPlanMetadata](plan)
	if !ok {
		return types.PlanStep{}, 0, fmt.Errorf("%w: no analysis plan before step %d", ErrCellNotReady, req.step.StepIndex+1)
	}
	count := planSteps(plan, e.maxSteps)
	if req.step.StepIndex < 0 || req.step.StepIndex >= count {
		return types.PlanStep{}, 0, fmt.Errorf("%w: plan has no step %d", ErrCellNotReady, req.step.StepIndex+1)
	}
	return m.Steps[req.step.StepIndex], count, nil
}

func (e *Engine) produceCode(ctx context.Context, req produceRequest) (*output, error) {
	step, count, err := e.planStep(req)
	if err != nil {
		return nil, err
	}
	var out struct {
		Content   string          `json:"content"`
		Code      string          `json:"code"`
		Libraries []types.Library `json:"libraries"`
	}
	data := map[string]string{
		"StepNumber": strconv.Itoa(req.step.StepIndex + 1),
		"StepCount":  strconv.Itoa(count),
		"StepTitle":  step.Title,
	}
	if err := e.generate(ctx, req, data, &out); err != nil {
		return nil, err
	}

	code := strings.TrimSpace(out.Code) + "\n"
	if explanation := strings.TrimSpace(out.Content); explanation != "" && !strings.HasPrefix(code, "#") {
		code = commentLines(explanation) + code
	}
	return &output{
		content: code,
		metadata: &types.CodeMetadata{
			StepIndex: req.step.StepIndex,
			Language:  "python",
			Libraries: out.Libraries,
		},
		// code waits for an explicit Execute
		status: types.StatusPending,
	}, nil
}

func commentLines(text string) string {
	var sb strings.Builder
	for _, line := range strings.Split(text, "\n") {
		sb.WriteString("# " + strings.TrimSpace(line) + "\n")
	}
	return sb.String()
}

func (e *Engine) produceResult(ctx context.Context, req produceRequest) (*output, error) {
	step, _, err := e.planStep(req)
	if err != nil {
		return nil, err
	}
	var out struct {
		Content   string `json:"content"`
		Variables []struct {
			Name        string `json:"name"`
			Value       any    `json:"value"`
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"variables"`
		Visualizations []types.Visualization `json:"visualizations"`
	}
	data := map[string]string{
		"StepNumber": strconv.Itoa(req.step.StepIndex + 1),
		"StepTitle":  step.Title,
	}
	if err := e.generate(ctx, req, data, &out); err != nil {
		return nil, err
	}

	vars := make([]types.Variable, 0, len(out.Variables))
	for _, v := range out.Variables {
		value, kind := scalarString(v.Value)
		if v.Type != "" {
			kind = v.Type
		}
		vars = append(vars, types.Variable{Name: v.Name, Value: value, Type: kind, Description: v.Description})
	}
	return &output{
		content: out.Content,
		metadata: &types.ResultMetadata{
			StepIndex:      req.step.StepIndex,
			Evaluation:     firstLine(out.Content),
			Variables:      vars,
			Visualizations: out.Visualizations,
		},
		status: types.StatusCompleted,
	}, nil
}

// scalarString renders a JSON scalar and names its type
func scalarString(v any) (string, string) {
	switch val := v.(type) {
	case string:
		return val, "string"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), "number"
	case bool:
		return strconv.FormatBool(val), "boolean"
	case nil:
		return "", ""
	default:
		return fmt.Sprint(val), ""
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func (e *Engine) produceWriteup(ctx context.Context, req produceRequest) (*output, error) {
	var out struct {
		Content  string          `json:"content"`
		Title    string          `json:"title"`
		Sections []types.Section `json:"sections"`
	}
	if err := e.generate(ctx, req, nil, &out); err != nil {
		return nil, err
	}
	return &output{
		content:  out.Content,
		metadata: &types.WriteupMetadata{Title: out.Title, Sections: out.Sections},
		status:   types.StatusCompleted,
	}, nil
}

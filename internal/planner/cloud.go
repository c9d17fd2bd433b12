package planner

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"wellness-planner/internal/clock"
	"wellness-planner/internal/llm"
	"wellness-planner/internal/plan"
	"wellness-planner/internal/shared"
)

//go:embed plan_prompt.md
var planPrompt string

//go:embed refine_prompt.md
var refinePrompt string

var (
	planTemplate   = template.Must(template.New("Plan").Parse(planPrompt))
	refineTemplate = template.Must(template.New("Refine").Parse(refinePrompt))
)

// CloudGenerator turns an LLM into a plan generator.
type CloudGenerator struct {
	name    string
	source  plan.Source
	textGen llm.TextGenerator
	now     func() time.Time
}

// NewCloudGenerator wraps textGen. name shows up in logs and metrics.
func NewCloudGenerator(name string, textGen llm.TextGenerator) *CloudGenerator {
	return &CloudGenerator{
		name:    name,
		source:  plan.SourceCloud,
		textGen: textGen,
		now:     time.Now,
	}
}

func (g *CloudGenerator) Name() string {
	return g.name
}

type generatedPlan struct {
	Summary string `json:"summary"`
	Items   []struct {
		Time        string `json:"time"`
		Type        string `json:"type"`
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"items"`
}

type promptData struct {
	Request
	Weekday  string
	WeighIn  bool
	Now      string
	Current  []plan.Item
	Feedback string
}

// Generate asks the model for a fresh plan.
func (g *CloudGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	data, err := g.promptData(req)
	if err != nil {
		return Result{}, err
	}
	prompt, err := render(planTemplate, data)
	if err != nil {
		return Result{}, err
	}
	return g.run(ctx, req.Date, prompt)
}

// Refine asks the model to rework current according to feedback.
func (g *CloudGenerator) Refine(ctx context.Context, req Request, current *plan.DailyPlan, feedback string) (Result, error) {
	data, err := g.promptData(req)
	if err != nil {
		return Result{}, err
	}
	if current != nil {
		data.Current = current.Items
		if len(current.Items) > 0 {
			data.Now = g.now().In(current.Items[0].ScheduledAt.Location()).Format("15:04")
		}
	}
	data.Feedback = strings.TrimSpace(feedback)
	prompt, err := render(refineTemplate, data)
	if err != nil {
		return Result{}, err
	}
	return g.run(ctx, req.Date, prompt)
}

func (g *CloudGenerator) promptData(req Request) (promptData, error) {
	day, err := time.Parse(clock.DateKeyLayout, req.Date)
	if err != nil {
		return promptData{}, fmt.Errorf("invalid date %q: %w", req.Date, err)
	}
	return promptData{
		Request: req,
		Weekday: day.Weekday().String(),
		WeighIn: req.Profile.WeighInOn(day.Weekday()),
		Now:     g.now().Format("15:04"),
	}, nil
}

func (g *CloudGenerator) run(ctx context.Context, date, prompt string) (Result, error) {
	start := time.Now()
	resp, err := g.textGen.GenerateContent(ctx, prompt)
	meta := shared.AgentMeta{
		AgentName: g.name,
		Usage:     resp.Usage,
		Latency:   time.Since(start),
	}
	if err != nil {
		return Result{Meta: meta}, err
	}

	p, err := parseGeneratedPlan(resp.Content, date, g.source)
	if err != nil {
		return Result{Meta: meta}, err
	}
	p.GeneratedAt = g.now()
	return Result{Plan: p, Meta: meta}, nil
}

func parseGeneratedPlan(content, date string, source plan.Source) (*plan.DailyPlan, error) {
	var out generatedPlan
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		return nil, fmt.Errorf("failed to parse DailyPlan %w, :%s", err, content)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("generated plan has no items")
	}

	p := &plan.DailyPlan{
		Date:    date,
		Summary: strings.TrimSpace(out.Summary),
		Source:  source,
		Items:   make([]plan.Item, 0, len(out.Items)),
	}
	for _, it := range out.Items {
		p.Items = append(p.Items, plan.Item{
			Time:        it.Time,
			Type:        plan.ParseItemType(strings.ToLower(strings.TrimSpace(it.Type))),
			Title:       strings.TrimSpace(it.Title),
			Description: strings.TrimSpace(it.Description),
		})
	}
	return p, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}

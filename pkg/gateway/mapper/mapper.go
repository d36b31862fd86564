// Package mapper turns a captured intake transcript into a structured process
// map by chaining prompts over the model API. Maps are versioned per owner;
// regeneration appends, never overwrites.
package mapper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash"

// Generator is the text-generation dependency, satisfied in production by the
// genai client and in tests by a canned fake.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type genaiGenerator struct {
	client *genai.Client
	model  string
}

// NewGenAIGenerator builds the production generator.
func NewGenAIGenerator(ctx context.Context, apiKey, model string) (Generator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("mapper api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &genaiGenerator{client: client, model: model}, nil
}

func (g *genaiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("model returned no text")
	}
	return text, nil
}

// ProcessMap is one generated, versioned map document.
type ProcessMap struct {
	OwnerID     string
	Version     int
	Processes   string
	Bottlenecks string
	Automation  string
	GeneratedAt time.Time
}

// VersionStore persists numbered map versions. NextVersion must be
// monotonically increasing per owner.
type VersionStore interface {
	NextVersion(ctx context.Context, ownerID string) (int, error)
	SaveVersion(ctx context.Context, m ProcessMap) error
}

type Mapper struct {
	gen    Generator
	store  VersionStore
	logger *slog.Logger
	now    func() time.Time
}

func New(gen Generator, store VersionStore, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{gen: gen, store: store, logger: logger, now: time.Now}
}

// Generate runs the three-stage prompt chain over a transcript: extract the
// business processes, find the bottlenecks in them, then propose automations.
// Each stage feeds the next so the later answers stay grounded in the earlier
// ones.
func (m *Mapper) Generate(ctx context.Context, ownerID, transcript string) (ProcessMap, error) {
	if strings.TrimSpace(transcript) == "" {
		return ProcessMap{}, fmt.Errorf("transcript is empty")
	}

	processes, err := m.gen.Generate(ctx, processesPrompt(transcript))
	if err != nil {
		return ProcessMap{}, fmt.Errorf("extract processes: %w", err)
	}
	bottlenecks, err := m.gen.Generate(ctx, bottlenecksPrompt(transcript, processes))
	if err != nil {
		return ProcessMap{}, fmt.Errorf("find bottlenecks: %w", err)
	}
	automation, err := m.gen.Generate(ctx, automationPrompt(processes, bottlenecks))
	if err != nil {
		return ProcessMap{}, fmt.Errorf("propose automation: %w", err)
	}

	version := 1
	if m.store != nil {
		version, err = m.store.NextVersion(ctx, ownerID)
		if err != nil {
			return ProcessMap{}, fmt.Errorf("allocate version: %w", err)
		}
	}

	pm := ProcessMap{
		OwnerID:     ownerID,
		Version:     version,
		Processes:   processes,
		Bottlenecks: bottlenecks,
		Automation:  automation,
		GeneratedAt: m.now(),
	}
	if m.store != nil {
		if err := m.store.SaveVersion(ctx, pm); err != nil {
			return ProcessMap{}, fmt.Errorf("save version: %w", err)
		}
	}
	m.logger.Info("process map generated", "owner_id", ownerID, "version", pm.Version)
	return pm, nil
}

func processesPrompt(transcript string) string {
	return "From this discovery-call transcript, list the business processes the " +
		"company runs day to day. One process per line, named concretely.\n\nTranscript:\n" + transcript
}

func bottlenecksPrompt(transcript, processes string) string {
	return "Given this transcript and the extracted process list, identify where " +
		"time is lost: manual steps, handoffs, rework. Tie each bottleneck to a process.\n\n" +
		"Transcript:\n" + transcript + "\n\nProcesses:\n" + processes
}

func automationPrompt(processes, bottlenecks string) string {
	return "For each bottleneck below, propose a concrete automation: the trigger, " +
		"the tool category, and what the human still reviews. Order by expected impact.\n\n" +
		"Processes:\n" + processes + "\n\nBottlenecks:\n" + bottlenecks
}

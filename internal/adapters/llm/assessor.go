package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

const assessSystem = `You review improvement ideas for a running software system.
Classify the idea and reply with a single JSON object and nothing else:
{"title": string, "type": "feature"|"fix"|"refactor"|"chore"|"docs"|"perf"|"test",
 "risk": "low"|"medium"|"high", "description": string, "reasoning": string,
 "affected_files": [string], "implementation_plan": string, "estimated_change_size": number}
Risk is high when the change touches authentication, persistence, deployment or
anything user data flows through. Risk is low for documentation, tests and
isolated additions. When unsure pick the higher risk.`

const generateSystem = `You implement approved changes to a software project.
Reply with a single JSON object and nothing else:
{"summary": string, "changes": [{"filePath": string, "action": "create"|"modify"|"delete", "content": string}]}
content is the complete new file body for create and modify, and is omitted for delete.
Paths are relative to the project root.`

// maxContextFile caps how much of each affected file is sent to the model
const maxContextFile = 64 * 1024

// Assessor classifies ideas with a model
type Assessor struct {
	completer Completer
}

// NewAssessor creates a model backed risk assessor
func NewAssessor(completer Completer) *Assessor {
	return &Assessor{completer: completer}
}

func (a *Assessor) Assess(ctx context.Context, idea string) (*models.Assessment, error) {
	reply, err := a.completer.Complete(ctx, assessSystem, "Idea:\n"+idea)
	if err != nil {
		return nil, err
	}
	var out models.Assessment
	if err := decodeReply(reply, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", a.completer.Name(), err)
	}
	return &out, nil
}

// Generator produces changesets with a model, giving it the current contents of
// the files the proposal expects to touch.
type Generator struct {
	completer Completer
	root      string
}

// NewGenerator creates a model backed change generator rooted at the project checkout
func NewGenerator(completer Completer, root string) *Generator {
	return &Generator{completer: completer, root: root}
}

func (g *Generator) GenerateChanges(ctx context.Context, p *models.Proposal) (*models.Changeset, error) {
	reply, err := g.completer.Complete(ctx, generateSystem, g.prompt(p))
	if err != nil {
		return nil, err
	}
	var out models.Changeset
	if err := decodeReply(reply, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", g.completer.Name(), err)
	}
	if err := ValidateChanges(out.Changes); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *Generator) prompt(p *models.Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nType: %s\nRisk: %s\n\n%s\n\nPlan:\n%s\n", p.Title, p.Type, p.Risk, p.Description, p.ImplementationPlan)
	for _, file := range p.AffectedFiles {
		if !safePath(file) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(g.root, file))
		if err != nil {
			fmt.Fprintf(&b, "\n--- %s (does not exist yet)\n", file)
			continue
		}
		if len(data) > maxContextFile {
			data = data[:maxContextFile]
		}
		fmt.Fprintf(&b, "\n--- %s\n%s\n", file, data)
	}
	return b.String()
}

// decodeReply extracts the JSON object from a model reply, tolerating code fences
// and chatter around it.
func decodeReply(reply string, v any) error {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end < start {
		return fmt.Errorf("reply contains no JSON object")
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), v); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	return nil
}

// ValidateChanges rejects edits that escape the project root or carry unknown actions
func ValidateChanges(changes []models.FileChange) error {
	for i, c := range changes {
		if !safePath(c.FilePath) {
			return fmt.Errorf("change %d: unsafe path %q", i, c.FilePath)
		}
		switch c.Action {
		case models.FileCreate, models.FileModify, models.FileDelete:
		default:
			return fmt.Errorf("change %d: unknown action %q", i, c.Action)
		}
	}
	return nil
}

func safePath(p string) bool {
	if p == "" || filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

var (
	_ usecase.RiskAssessor    = (*Assessor)(nil)
	_ usecase.ChangeGenerator = (*Generator)(nil)
)

package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/tool"
)

// recencyWindow is how many trailing steps keep their full detail in the
// prompt. Older steps are compressed to one-line summaries so the prompt
// stays bounded no matter how long the execution runs.
const recencyWindow = 5

// toolOutputPreviewLen caps how much tool output is replayed into the
// prompt per step.
const toolOutputPreviewLen = 1024

const systemPrompt = `You are an autonomous agent working toward a goal by calling tools.
Respond with a single JSON object, no prose:
{"reasoning": "...", "action": "tool_call"|"done"|"needs_human", "tool_name": "...", "tool_input": {...}, "outcome": "...", "message": "..."}
Rules:
- action "tool_call" requires tool_name (from the catalog below) and tool_input matching its schema.
- action "done" requires outcome, a short summary of what was accomplished.
- action "needs_human" requires message, explaining what a reviewer should look at.
- Only use tools from the catalog. Never invent tool names.`

// buildSystem renders the standing instructions plus the tool catalog.
func buildSystem(catalog []tool.CatalogEntry) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nTool catalog:\n")
	for _, e := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n  input schema: %s\n", e.Name, e.Description, string(e.InputSchema))
	}
	return b.String()
}

// buildPrompt assembles the bounded per-iteration context: the goal,
// relevant memories, summaries of older steps, and full detail for the
// recency window.
func buildPrompt(ex model.AgentExecution, steps []model.ExecutionStep, memories []model.RetrievedMemory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", ex.Goal)

	if len(memories) > 0 {
		b.WriteString("\nRelevant learned facts (with confidence):\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%.2f] %s\n", m.Memory.Confidence, m.Memory.Content.Description)
		}
	}

	if len(steps) == 0 {
		b.WriteString("\nNo steps taken yet. Decide the first action.\n")
		return b.String()
	}

	cut := len(steps) - recencyWindow
	if cut > 0 {
		b.WriteString("\nEarlier steps (summarized):\n")
		for _, s := range steps[:cut] {
			fmt.Fprintf(&b, "- step %d: %s (%s)\n", s.StepNumber, describeAction(s), s.Status)
		}
	} else {
		cut = 0
	}

	b.WriteString("\nRecent steps:\n")
	for _, s := range steps[cut:] {
		fmt.Fprintf(&b, "step %d [%s]: %s\n", s.StepNumber, s.Status, s.Reasoning)
		if s.ToolName != nil {
			fmt.Fprintf(&b, "  tool: %s input: %s\n", *s.ToolName, compactJSON(s.ToolInput))
			if len(s.ToolOutput) > 0 {
				fmt.Fprintf(&b, "  output: %s\n", preview(compactJSON(s.ToolOutput), toolOutputPreviewLen))
			}
		}
		if s.Error != nil {
			fmt.Fprintf(&b, "  error: %s\n", *s.Error)
		}
	}

	b.WriteString("\nDecide the next action.\n")
	return b.String()
}

func describeAction(s model.ExecutionStep) string {
	if s.ToolName != nil {
		return fmt.Sprintf("%s %s", s.Action, *s.ToolName)
	}
	return s.Action
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package agent

import (
	"fmt"
	"strings"

	"linsight/backend/go/internal/models"
)

const sopSystemPrompt = `You are an expert operations planner. Write a Standard Operating Procedure (SOP) in Markdown
that an autonomous agent with file and knowledge tools can follow to answer the user's request.
Start with a level-1 heading that names the procedure. Use numbered steps. Each step states its
goal, the inputs it reads and the outputs it produces. Reference the provided files by name.
Do not answer the request yourself.`

const planSystemPrompt = `You split an SOP into executable tasks. Reply with ONLY a JSON array, no prose.
Each element is an object:
  {"id": "<short id>", "parent_id": "<id of the enclosing task or empty>",
   "node_loop": <true when the task repeats over a collection and should spawn sub tasks, else omit>,
   "name": "<short title>", "description": "<what to do>",
   "inputs": ["..."], "outputs": ["..."]}
List the tasks in the order they must run.`

const executeSystemPrompt = `You are an autonomous agent executing one task of a larger procedure.
Use the available tools to do the work. Files live in the working directory; use relative paths.
When you need information only the user can give, call call_user_input.
When the task is done, reply with the final result as plain text and no tool calls.`

// FileSummary 是 SOP 撰写时附带的输入文件摘要。
type FileSummary struct {
	Name    string
	Summary string
}

// SOPRequest 是 SOP 撰写的输入。
type SOPRequest struct {
	// PreviousSOP 与 Feedback 在重新生成时提供。
	PreviousSOP string
	Feedback    string
	Files       []FileSummary
	// Reexecute 为真时直接复用 PreviousSOP。
	Reexecute bool
}

func buildSOPMessages(question string, candidates []models.SOP, req SOPRequest) []models.ChatMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "## User request\n%s\n", question)
	if len(candidates) > 0 {
		b.WriteString("\n## Reference SOPs\nAdapt these when they fit. They were written for similar requests.\n")
		for i, c := range candidates {
			fmt.Fprintf(&b, "\n### Reference %d: %s\n%s\n", i+1, c.Name, c.Content)
		}
	}
	if len(req.Files) > 0 {
		b.WriteString("\n## Input files\n")
		for _, f := range req.Files {
			fmt.Fprintf(&b, "\n### %s\n%s\n", f.Name, f.Summary)
		}
	}
	if req.PreviousSOP != "" {
		fmt.Fprintf(&b, "\n## Previous SOP\n%s\n", req.PreviousSOP)
	}
	if req.Feedback != "" {
		fmt.Fprintf(&b, "\n## User feedback on the previous result\n%s\nRevise the SOP to address this feedback.\n", req.Feedback)
	}
	return []models.ChatMessage{
		{Role: models.SpeakerSystem, Content: sopSystemPrompt},
		{Role: models.SpeakerUser, Content: b.String()},
	}
}

func buildPlanMessages(question, sopText string, parent *models.ExecutionTask, reason string) []models.ChatMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "## User request\n%s\n\n## SOP\n%s\n", question, sopText)
	if parent != nil {
		node := parent.Node()
		fmt.Fprintf(&b, "\n## Scope\nOnly plan the sub tasks of this task:\n%s\n", describeNode(node))
		if reason != "" {
			fmt.Fprintf(&b, "\nThe executing agent asked for sub tasks because: %s\n", reason)
		}
		b.WriteString("Do not set node_loop on sub tasks.\n")
	}
	return []models.ChatMessage{
		{Role: models.SpeakerSystem, Content: planSystemPrompt},
		{Role: models.SpeakerUser, Content: b.String()},
	}
}

func buildTaskMessages(v *models.SessionVersion, task *models.ExecutionTask, prior []priorOutput) []models.ChatMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "## User request\n%s\n\n## SOP\n%s\n\n## Current task\n%s\n", v.Question, v.SOPText, describeNode(task.Node()))
	if len(prior) > 0 {
		b.WriteString("\n## Results of earlier tasks\n")
		for _, p := range prior {
			fmt.Fprintf(&b, "\n### %s\n%s\n", p.Name, p.Answer)
		}
	}
	if len(task.History) > 0 {
		b.WriteString("\n## Steps already taken for this task\nExecution was interrupted. Continue from here.\n")
		for _, step := range task.History {
			fmt.Fprintf(&b, "- %s\n", describeStep(step))
		}
	}
	if len(v.Files) > 0 {
		b.WriteString("\n## Input files in the working directory\n")
		for _, f := range v.Files {
			name := f.OriginalFilename
			if f.MarkdownFilename != "" {
				name += " (markdown: " + f.MarkdownFilename + ")"
			}
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	return []models.ChatMessage{
		{Role: models.SpeakerSystem, Content: executeSystemPrompt},
		{Role: models.SpeakerUser, Content: b.String()},
	}
}

func describeNode(n models.TaskNode) string {
	var b strings.Builder
	if n.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", n.Name)
	}
	fmt.Fprintf(&b, "Description: %s\n", n.Description)
	if len(n.Inputs) > 0 {
		fmt.Fprintf(&b, "Inputs: %s\n", strings.Join(n.Inputs, "; "))
	}
	if len(n.Outputs) > 0 {
		fmt.Fprintf(&b, "Expected outputs: %s\n", strings.Join(n.Outputs, "; "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeStep(s models.Step) string {
	switch s.Type {
	case models.StepExec:
		status := "ok"
		if s.Exec.IsError {
			status = "error"
		}
		return fmt.Sprintf("called %s (%s): %s", s.Exec.ToolName, status, truncate(s.Exec.ToolResult, 300))
	case models.StepNeedUserInput:
		return "asked the user: " + s.NeedInput.Prompt
	case models.StepCallUserInput:
		return "user replied: " + s.CallInput.UserInput
	}
	return string(s.Type)
}

// SOPTitle 取 SOP 第一个标题作为标题, 没有标题时截取问题。
func SOPTitle(sopText, question string) string {
	for _, line := range strings.Split(sopText, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			if t := strings.TrimSpace(strings.TrimLeft(line, "#")); t != "" {
				return truncate(t, 120)
			}
		}
	}
	return truncate(strings.TrimSpace(question), 120)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

package search

import (
	"fmt"
	"strings"
	"time"
)

const formatReminder = "Please reply in the required format with Thought, Action and Action Input."

func systemPrompt(tools []Tool, now time.Time) string {
	var b strings.Builder
	b.WriteString("You are a travel assistant. Use the tools to find candidate POIs that may satisfy the user's request, together with their descriptions and reviews.\n\n")
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString(`
Think and act in exactly this format:

Thought: analyse the situation and decide what to do next
Action: the tool name
Action Input: the tool input
Observation: [filled in by the system]

Plan each Thought/Action/Action Input from the <history> until you have enough information.

When you are ready to answer, write:
Thought: I now know the final answer
Final Answer: [your answer]

Rules:
1. Use one tool per reply and never run several steps at once.
2. Follow the Thought/Action/Action Input/Final Answer format strictly.
3. If a tool fails, work out why and try something else.
`)
	fmt.Fprintf(&b, "Current time: %s\n\n", now.Format("2006-01-02 15:04:05"))
	return b.String()
}

func requestBlock(query, advice string) string {
	return fmt.Sprintf("User request: %s\nAdvice: %s", query, advice)
}

func turnPrompt(system, request string, history []string) string {
	var b strings.Builder
	b.WriteString(system)
	b.WriteString(request)
	if len(history) > 0 {
		b.WriteString("\n<history>\n")
		b.WriteString(strings.Join(history, "\n"))
		b.WriteString("\n</history>\n")
	}
	return b.String()
}

const summaryPreamble = "Extract every candidate POI from the search record below."

func summaryPrompt(request, record string) string {
	var b strings.Builder
	b.WriteString(summaryPreamble)
	b.WriteString(" Only use information present in the record. ")
	b.WriteString("Merge mentions of the same place and collect what reviewers liked and disliked about it.\n\n")
	fmt.Fprintf(&b, "<request>\n%s\n</request>\n", request)
	if record != "" {
		fmt.Fprintf(&b, "\n<search record>\n%s\n</search record>\n", record)
	}
	b.WriteString(`
Respond with a JSON array only:
[{"name": "place name", "description": "what it is and where", "positive_comments": ["..."], "negative_comments": ["..."]}]
Return [] if the record names no candidate.`)
	return b.String()
}

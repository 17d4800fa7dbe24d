package core

import (
	"fmt"
	"strings"
)

// ExecutionRubric is passed to the search tool as advice for every step.
const ExecutionRubric = "- Search results will be judged by: 1. finding as many candidate POIs as possible; " +
	"2. every candidate must be relevant to the user's request; " +
	"3. collecting as many varied comments per POI as possible, both positive and negative."

// DiagnosisRubric is the quality bar the diagnosis prompt measures steps against.
const DiagnosisRubric = "- Search results will be judged by: 1. finding as many candidate POIs as possible; " +
	"2. every candidate must be relevant to the user's request."

const planSchema = `Respond with a JSON array only. Each element is an object:
{"step_id": "1", "action_plan": "why this step helps and what it targets", "search_request": "the query handed to the search agent"}
Step ids must be unique.`

const stepSchema = `Respond with a JSON object only:
{"action_plan": "why this step helps and what it targets", "search_request": "the query handed to the search agent"}`

func planPrompt(req Request, advice string) string {
	var b strings.Builder
	b.WriteString("You are planning a search for points of interest (POIs) that satisfy a traveller's request.\n")
	b.WriteString("Break the request into a small number of independent search steps. ")
	b.WriteString("Each step should cover a different angle (area, category, audience, season) so that together they find as many relevant candidates as possible.\n\n")
	fmt.Fprintf(&b, "User request:\n%s\n", req.Topic)
	writeHistory(&b, req.History)
	if strings.TrimSpace(advice) != "" {
		fmt.Fprintf(&b, "\nExperience from earlier searches, apply what is relevant:\n%s\n", advice)
	}
	b.WriteString("\n")
	b.WriteString(planSchema)
	return b.String()
}

func evaluationPrompt(req Request, rec Record) string {
	var b strings.Builder
	b.WriteString("Decide whether the candidate POI below plausibly satisfies the user's request.\n\n")
	fmt.Fprintf(&b, "User request:\n%s\n", req.Topic)
	writeHistory(&b, req.History)
	fmt.Fprintf(&b, "\nCandidate:\nname: %s\ndescription: %s\n", rec.Name, rec.Description)
	writeComments(&b, "positive comments", rec.PositiveComments)
	writeComments(&b, "negative comments", rec.NegativeComments)
	b.WriteString("\nAnswer \"yes\" if it matches, \"no\" if it clearly does not, \"uncertain\" if the information is insufficient.\n")
	b.WriteString(`Respond with a JSON object only: {"match": "yes|no|uncertain", "reason": "one sentence"}`)
	return b.String()
}

func diagnosisPrompt(topic, digest, rubric string, maxSteps int) string {
	var b strings.Builder
	b.WriteString("You are reviewing the execution log of a multi-step POI search.\n")
	fmt.Fprintf(&b, "User request:\n%s\n\n", topic)
	fmt.Fprintf(&b, "Quality criteria:\n%s\n\n", rubric)
	fmt.Fprintf(&b, "Execution log:\n%s\n\n", digest)
	fmt.Fprintf(&b, "Identify at most %d steps whose results fall short of the criteria. ", maxSteps)
	b.WriteString("Describe the problem of each in one line. If no step needs work, return an empty array.\n")
	b.WriteString(`Respond with a JSON array only: [{"step_id": "2", "problem": "one line"}]`)
	return b.String()
}

func refinePrompt(trace, problem string, step *Step) string {
	var b strings.Builder
	b.WriteString("A step of a POI search under-performed. Suggest how to change it.\n\n")
	fmt.Fprintf(&b, "Step %s\naction plan: %s\nsearch request: %s\n\n", step.StepID, step.ActionPlan, step.SearchRequest)
	fmt.Fprintf(&b, "Diagnosed problem:\n%s\n\n", problem)
	fmt.Fprintf(&b, "Search trace of the step:\n%s\n\n", trace)
	b.WriteString(`Respond with a JSON object only: {"suggestion": "concrete change to the action plan and search request"}`)
	return b.String()
}

func rewritePrompt(topic string, step *Step, problem, suggestion string) string {
	var b strings.Builder
	b.WriteString("Rewrite one step of a POI search plan following the suggestion.\n\n")
	fmt.Fprintf(&b, "User request:\n%s\n\n", topic)
	fmt.Fprintf(&b, "Current step %s\naction plan: %s\nsearch request: %s\n\n", step.StepID, step.ActionPlan, step.SearchRequest)
	fmt.Fprintf(&b, "Problem: %s\nSuggestion: %s\n\n", problem, suggestion)
	b.WriteString(stepSchema)
	return b.String()
}

func resamplePrompt(topic string, plan *Plan) string {
	var b strings.Builder
	b.WriteString("Propose one new search step for the POI search below. ")
	b.WriteString("It must explore an angle none of the existing steps covers.\n\n")
	fmt.Fprintf(&b, "User request:\n%s\n\nExisting steps:\n", topic)
	for _, s := range plan.Steps {
		fmt.Fprintf(&b, "- %s: %s\n", s.StepID, s.SearchRequest)
	}
	b.WriteString("\n")
	b.WriteString(stepSchema)
	return b.String()
}

func writeHistory(b *strings.Builder, history []Exchange) {
	if len(history) == 0 {
		return
	}
	b.WriteString("\nClarifications so far:\n")
	for _, h := range history {
		fmt.Fprintf(b, "Q: %s\nA: %s\n", h.Question, h.Answer)
	}
}

const maxPromptComments = 5

func writeComments(b *strings.Builder, label string, comments []string) {
	if len(comments) == 0 {
		return
	}
	if len(comments) > maxPromptComments {
		comments = comments[:maxPromptComments]
	}
	fmt.Fprintf(b, "%s: %s\n", label, strings.Join(comments, " | "))
}

package anthropic

import (
	"strings"

	"github.com/tailorworks/tailor/runtime/pipeline/content"
)

const (
	planSystemPrompt = "You are a resume tailoring planner. You select and order " +
		"the candidate's strongest material for the target role. Respond with a " +
		"single JSON object with keys summary (string), skills (array of strings), " +
		"and experience_items (array of strings). No prose outside the JSON."

	renderSystemPrompt = "You are a resume writer. Render a complete, polished " +
		"resume in plain text from the supplied plan. Use only facts from the " +
		"candidate profile. Respond with the resume text only."

	critiqueSystemPrompt = "You are a resume reviewer. Judge whether the draft " +
		"needs another revision pass. Respond with a single JSON object with keys " +
		"needs_revision (boolean) and issues (array of strings). List concrete, " +
		"actionable issues only. No prose outside the JSON."

	complianceSystemPrompt = "You are a compliance reviewer for resumes. Check the " +
		"draft for fabricated claims not supported by the candidate profile and " +
		"for prohibited terms. Respond with a single JSON object with keys status " +
		"(\"approved\" or \"rejected\") and violations (array of strings). No " +
		"prose outside the JSON."
)

func buildPlanPrompt(req content.PlanRequest) string {
	var sb strings.Builder
	sb.WriteString("Candidate profile:\n")
	writeProfile(&sb, req.Profile)
	if len(req.Knowledge) > 0 {
		sb.WriteString("\nSupporting material (most relevant first):\n")
		for _, s := range req.Knowledge {
			sb.WriteString("- ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}
	if req.Notes != "" {
		sb.WriteString("\nReviewer notes to address:\n")
		sb.WriteString(req.Notes)
		sb.WriteString("\n")
	}
	sb.WriteString("\nProduce the tailoring plan.")
	return sb.String()
}

func buildRenderPrompt(req content.RenderRequest) string {
	var sb strings.Builder
	sb.WriteString("Candidate profile:\n")
	writeProfile(&sb, req.Profile)
	sb.WriteString("\nPlan:\nSummary: ")
	sb.WriteString(req.Plan.Summary)
	sb.WriteString("\nSkills: ")
	sb.WriteString(strings.Join(req.Plan.Skills, ", "))
	if len(req.Plan.ExperienceItems) > 0 {
		sb.WriteString("\nExperience highlights:\n")
		for _, item := range req.Plan.ExperienceItems {
			sb.WriteString("- ")
			sb.WriteString(item)
			sb.WriteString("\n")
		}
	}
	if req.PriorDraft != "" {
		sb.WriteString("\nPrevious draft:\n")
		sb.WriteString(req.PriorDraft)
		sb.WriteString("\n")
	}
	if len(req.CritiqueNotes) > 0 {
		sb.WriteString("\nRevise the previous draft to address these issues:\n")
		for _, note := range req.CritiqueNotes {
			sb.WriteString("- ")
			sb.WriteString(note)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nRender the resume.")
	return sb.String()
}

func buildCritiquePrompt(req content.CritiqueRequest) string {
	var sb strings.Builder
	sb.WriteString("Candidate profile:\n")
	writeProfile(&sb, req.Profile)
	sb.WriteString("\nDraft under review:\n")
	sb.WriteString(req.Draft)
	sb.WriteString("\n\nReview the draft.")
	return sb.String()
}

func buildCompliancePrompt(req content.ComplianceRequest) string {
	var sb strings.Builder
	sb.WriteString("Candidate profile:\n")
	writeProfile(&sb, req.Policy.Profile)
	if len(req.Policy.Blocklist) > 0 {
		sb.WriteString("\nProhibited terms: ")
		sb.WriteString(strings.Join(req.Policy.Blocklist, ", "))
		sb.WriteString("\n")
	}
	sb.WriteString("\nDraft under review:\n")
	sb.WriteString(req.Draft)
	sb.WriteString("\n\nEvaluate compliance.")
	return sb.String()
}

func writeProfile(sb *strings.Builder, p content.Profile) {
	sb.WriteString("Name: ")
	sb.WriteString(p.Name)
	sb.WriteString("\nHeadline: ")
	sb.WriteString(p.Headline)
	sb.WriteString("\nTarget role: ")
	sb.WriteString(p.TargetRole)
	sb.WriteString("\nSkills: ")
	sb.WriteString(strings.Join(p.Skills, ", "))
	sb.WriteString("\n")
	for _, exp := range p.Experience {
		sb.WriteString(exp.Title)
		sb.WriteString(" at ")
		sb.WriteString(exp.Organization)
		sb.WriteString(" (")
		sb.WriteString(exp.Period)
		sb.WriteString(")\n")
		for _, h := range exp.Highlights {
			sb.WriteString("  - ")
			sb.WriteString(h)
			sb.WriteString("\n")
		}
	}
}

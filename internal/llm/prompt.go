package llm

import (
	"strings"

	"referral-engine/internal/models"
)

const maxPromptOCRChars = 6000

func buildExtractionSystemPrompt() string {
	parts := []string{
		"You are a medical referral parser. Return ONLY JSON that matches the JSON Schema provided.",
		"The input is OCR text from a scanned or faxed referral document; expect recognition noise and broken lines.",
		"referring_provider is the clinician sending the patient; receiving_provider is the clinician or clinic the patient is sent to.",
		"Contact details go under 'contact' with phone, email, and address copied as written.",
		"Use ISO-8601 dates (YYYY-MM-DD) when a date is unambiguous; otherwise copy it as written.",
		"For requested_action, extract the verbatim request when present; otherwise state the requested action that the document itself supports, weaving together what is written. Never invent information.",
		"For summary, explain in one or two sentences why this patient is being referred for care.",
		"Never guess a value. If a field is not present in the text, omit it. Never output null.",
	}
	return strings.Join(parts, " ")
}

func buildExtractionUserPrompt(ocrText, filenameHint string) string {
	var b strings.Builder
	b.WriteString("Filename: ")
	b.WriteString(filenameHint)
	b.WriteString("\n\nOCR text:\n")
	if len(ocrText) > maxPromptOCRChars {
		b.WriteString(ocrText[:maxPromptOCRChars])
	} else {
		b.WriteString(ocrText)
	}
	return b.String()
}

func buildDraftSystemPrompt() string {
	parts := []string{
		"You write short, professional emails for a specialist clinic's intake desk.",
		"The clinic received a referral that is missing required information and needs the sender to supply it.",
		"Return ONLY JSON that matches the JSON Schema provided, with a 'subject' and a 'body'.",
		"The body must list each missing item on its own line, ask the office to reply with the information, and stay polite and brief.",
		"Do not invent patient details that are not given to you.",
	}
	return strings.Join(parts, " ")
}

func buildDraftUserPrompt(fields models.Fields, filename string, missing []string) string {
	var b strings.Builder
	b.WriteString("Referral document: ")
	b.WriteString(filename)
	b.WriteString("\n")

	if name := fields.Text("patient.name"); name != "" {
		b.WriteString("Patient: ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	if name := fields.Text("referring_provider.name"); name != "" {
		b.WriteString("Referring provider: ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	if reason := fields.Text("reason_for_referral"); reason != "" {
		b.WriteString("Reason for referral: ")
		b.WriteString(reason)
		b.WriteString("\n")
	}

	b.WriteString("\nMissing required information:\n")
	for _, m := range missing {
		b.WriteString("- ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	return b.String()
}

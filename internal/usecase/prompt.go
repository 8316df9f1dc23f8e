package usecase

import (
	"fmt"
	"strings"

	"trustvoice-dialogue/internal/domain"
)

// IntentSpec describes one operation the backends may finalize.
type IntentSpec struct {
	Name        string
	Description string
	Required    []string
	Optional    []string
}

// DefaultIntents is the catalog advertised to the backends when no override
// is configured.
var DefaultIntents = []IntentSpec{
	{
		Name:        "initiate_donation",
		Description: "The user wants to give money to a campaign or cause.",
		Required:    []string{"amount", "currency", "cause"},
		Optional:    []string{"payment_method", "anonymous"},
	},
	{
		Name:        "check_balance",
		Description: "The user wants to know how much they have donated or how much a campaign has raised.",
		Optional:    []string{"campaign"},
	},
	{
		Name:        "create_campaign",
		Description: "The user wants to start a new fundraising campaign.",
		Required:    []string{"title", "goal_amount", "currency", "category"},
		Optional:    []string{"description", "location"},
	},
	{
		Name:        "register_field_report",
		Description: "A field agent reports progress on a funded project.",
		Required:    []string{"campaign", "report"},
		Optional:    []string{"beneficiaries", "location"},
	},
}

// BuildSystemPrompt renders the instructions every backend receives. The
// Output Contract section is what the response parser relies on.
func BuildSystemPrompt(intents []IntentSpec) string {
	return strings.Join([]string{
		"Role:",
		"You are a voice assistant for a donation platform. Users speak to you in their own language.",
		"",
		"Task:",
		"Work out which supported operation the user wants and collect every required detail for it,",
		"one question at a time, across as many turns as needed.",
		"",
		"Supported Operations:",
		IntentCatalog(intents),
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

// IntentCatalog renders one line per operation with its required and optional details.
func IntentCatalog(intents []IntentSpec) string {
	lines := make([]string, 0, len(intents))
	for _, in := range intents {
		line := fmt.Sprintf("- %s: %s", in.Name, in.Description)
		if len(in.Required) > 0 {
			line += " Required: " + strings.Join(in.Required, ", ") + "."
		}
		if len(in.Optional) > 0 {
			line += " Optional: " + strings.Join(in.Optional, ", ") + "."
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Reply in the language the user is speaking.",
		"2) Ask exactly one clarifying question per reply.",
		"3) Never invent values the user has not said; ask instead.",
		"4) Reuse details already given earlier in the conversation.",
		"5) Set ready=true only when every required detail for one operation is known.",
		"6) Normalize amounts to numbers and currencies to ISO 4217 codes.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only, as a single object with keys message (string) and ready (boolean). " +
		"While details are missing, return ready=false and put your one question in message; " +
		"you may also include entities (object) with the details collected so far. " +
		"When everything is known, return ready=true, intent (one of the supported operation names), " +
		"entities (object with every collected detail) and a short confirmation in message."
}

// historyWindow returns at most limit of the most recent entries.
func historyWindow(history []domain.Message, limit int) []domain.Message {
	if limit <= 0 || len(history) <= limit {
		out := make([]domain.Message, len(history))
		copy(out, history)
		return out
	}
	out := make([]domain.Message, limit)
	copy(out, history[len(history)-limit:])
	return out
}

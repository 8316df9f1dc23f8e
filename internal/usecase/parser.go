package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"trustvoice-dialogue/internal/domain"
)

// ParseStrategy names the recovery step that produced a decision.
type ParseStrategy string

const (
	StrategyDirect   ParseStrategy = "direct"
	StrategyFenced   ParseStrategy = "fenced"
	StrategyBraced   ParseStrategy = "braced"
	StrategyFallback ParseStrategy = "fallback"
)

const repeatPrompt = "Sorry, I didn't catch that. Could you please say it again?"

// flexBool accepts JSON booleans and their quoted forms, which some backends
// emit despite the contract.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.ToLower(strings.Trim(string(data), `"`)) {
	case "true":
		*b = true
	case "false":
		*b = false
	default:
		return errors.New("usecase: ready is not a boolean")
	}
	return nil
}

// decisionPayload is the wire shape backends are instructed to return.
// Message and Ready are pointers so a missing key can be told apart from a
// zero value. Intent and Entities stay raw: a mistyped optional field must
// not cost the whole decision.
type decisionPayload struct {
	Message  *string         `json:"message"`
	Ready    *flexBool       `json:"ready"`
	Intent   json.RawMessage `json:"intent"`
	Entities json.RawMessage `json:"entities"`
}

type parseStep struct {
	name ParseStrategy
	fn   func(string) (domain.Decision, bool)
}

var parseChain = []parseStep{
	{StrategyDirect, parseDirect},
	{StrategyFenced, parseFenced},
	{StrategyBraced, parseBraced},
}

// Parse turns a backend reply into a decision. It is total: every input,
// including empty and garbage strings, yields a well-formed decision. The
// returned strategy is StrategyFallback when no structured object could be
// recovered.
func Parse(raw string) (domain.Decision, ParseStrategy) {
	for _, step := range parseChain {
		if d, ok := step.fn(raw); ok {
			return normalizeDecision(d), step.name
		}
	}
	msg := strings.TrimSpace(raw)
	if msg == "" {
		msg = repeatPrompt
	}
	return domain.Decision{Message: msg, Ready: false}, StrategyFallback
}

// parseDirect accepts the reply only if it is exactly one decision object.
func parseDirect(raw string) (domain.Decision, bool) {
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	var p decisionPayload
	if err := dec.Decode(&p); err != nil {
		return domain.Decision{}, false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.Decision{}, false
	}
	if p.Message == nil || p.Ready == nil {
		return domain.Decision{}, false
	}
	return domain.Decision{
		Message:  *p.Message,
		Ready:    bool(*p.Ready),
		Intent:   rawIntent(p.Intent),
		Entities: rawEntities(p.Entities),
	}, true
}

// rawIntent returns the intent if it is a JSON string, else "".
func rawIntent(raw json.RawMessage) string {
	var intent string
	if len(raw) == 0 || json.Unmarshal(raw, &intent) != nil {
		return ""
	}
	return strings.TrimSpace(intent)
}

// rawEntities returns the entities if they are a JSON object, else nil.
func rawEntities(raw json.RawMessage) map[string]any {
	var entities map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &entities) != nil {
		return nil
	}
	return entities
}

// parseFenced strips a leading and trailing delimiter line (``` or ~~~,
// optionally with a language tag on the opening line) and retries parseDirect.
func parseFenced(raw string) (domain.Decision, bool) {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	if len(lines) < 3 {
		return domain.Decision{}, false
	}
	first := strings.TrimSpace(lines[0])
	last := strings.TrimSpace(lines[len(lines)-1])
	if !isFence(first) || !isFence(last) || len(last) != 3 {
		return domain.Decision{}, false
	}
	return parseDirect(strings.Join(lines[1:len(lines)-1], "\n"))
}

func isFence(line string) bool {
	return strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~")
}

// parseBraced slices from the first '{' to the last '}' and retries parseDirect.
func parseBraced(raw string) (domain.Decision, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return domain.Decision{}, false
	}
	return parseDirect(raw[start : end+1])
}

// normalizeDecision makes a recovered decision safe to act on: a ready
// decision needs an intent, and a follow-up needs something to say.
func normalizeDecision(d domain.Decision) domain.Decision {
	d.Message = strings.TrimSpace(d.Message)
	if d.Ready && d.Intent == "" {
		d.Ready = false
	}
	if !d.Ready {
		d.Intent = ""
		if d.Message == "" {
			d.Message = repeatPrompt
		}
	}
	if len(d.Entities) == 0 {
		d.Entities = nil
	}
	return d
}

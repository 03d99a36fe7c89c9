// Package stoprule implements the quantitative and qualitative stop-rule
// evaluators that let a loop decide, before or after a run, whether to
// transition to stopped.
package stoprule

import "encoding/json"

// When controls the cadence phase a quant rule evaluates at.
type When string

const (
	WhenBeforeRun When = "before_run"
	WhenAfterRun  When = "after_run"
	WhenBoth      When = "both"
)

// Decision controls what happens when a quant rule matches.
type Decision string

const (
	DecisionStop     Decision = "stop"
	DecisionContinue Decision = "continue"
)

// MatchMode controls how a quant rule compares a stdout/stderr stream.
type MatchMode string

const (
	MatchAny      MatchMode = "any"
	MatchEmpty    MatchMode = "empty"
	MatchNonempty MatchMode = "nonempty"
	MatchContains MatchMode = "contains"
	MatchRegex    MatchMode = "regex"
)

// OnInvalid controls the qual fallback when judge text doesn't parse.
type OnInvalid string

const (
	OnInvalidStop     OnInvalid = "stop"
	OnInvalidContinue OnInvalid = "continue"
)

// QuantConfig is the command-based stop rule.
type QuantConfig struct {
	Cmd            string    `json:"cmd"`
	EveryN         int       `json:"every_n"`
	When           When      `json:"when"`
	Decision       Decision  `json:"decision"`
	ExitCodes      []int     `json:"exit_codes"`
	ExitInvert     bool      `json:"exit_invert"`
	StdoutMode     MatchMode `json:"stdout_mode"`
	StderrMode     MatchMode `json:"stderr_mode"`
	StdoutRegex    string    `json:"stdout_regex"`
	StderrRegex    string    `json:"stderr_regex"`
	TimeoutSeconds int       `json:"timeout_seconds"`
}

// QualConfig is the judge-text based stop rule, evaluated post-run only.
type QualConfig struct {
	EveryN       int       `json:"every_n"`
	Prompt       string    `json:"prompt"`
	IsPromptPath bool      `json:"is_prompt_path"`
	OnInvalid    OnInvalid `json:"on_invalid"`
}

// Config is the full stop_config blob stored in loop metadata.
type Config struct {
	Quant *QuantConfig `json:"quant,omitempty"`
	Qual  *QualConfig  `json:"qual,omitempty"`
}

// ParseConfig decodes a loop's stop_config metadata entry, if present.
// A nil or missing value yields a nil Config and no error.
func ParseConfig(metadata map[string]any) (*Config, error) {
	if metadata == nil {
		return nil, nil
	}
	raw, ok := metadata["stop_config"]
	if !ok || raw == nil {
		return nil, nil
	}

	// metadata values round-trip through the database as generic JSON, so
	// re-encode then decode into the typed shape rather than asserting.
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

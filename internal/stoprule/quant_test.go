package stoprule

import (
	"context"
	"testing"
)

func TestQuantShouldEvaluate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   *QuantConfig
		phase When
		idx   int
		want  bool
	}{
		{"nil config", nil, WhenBeforeRun, 1, false},
		{"every_n zero never evaluates", &QuantConfig{Cmd: "true", EveryN: 0, When: WhenBeforeRun}, WhenBeforeRun, 5, false},
		{"wrong phase", &QuantConfig{Cmd: "true", EveryN: 1, When: WhenAfterRun}, WhenBeforeRun, 1, false},
		{"both phase matches either", &QuantConfig{Cmd: "true", EveryN: 1, When: WhenBoth}, WhenBeforeRun, 1, true},
		{"cadence miss", &QuantConfig{Cmd: "true", EveryN: 3, When: WhenBeforeRun}, WhenBeforeRun, 2, false},
		{"cadence hit", &QuantConfig{Cmd: "true", EveryN: 3, When: WhenBeforeRun}, WhenBeforeRun, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QuantShouldEvaluate(tt.cfg, tt.phase, tt.idx); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuantRuleMatches(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *QuantConfig
		exitCode int
		stdout   string
		stderr   string
		want     bool
	}{
		{"default any matches everything", &QuantConfig{}, 0, "", "", true},
		{"exit code match", &QuantConfig{ExitCodes: []int{1, 2}}, 1, "", "", true},
		{"exit code mismatch", &QuantConfig{ExitCodes: []int{1, 2}}, 0, "", "", false},
		{"exit invert flips", &QuantConfig{ExitCodes: []int{0}, ExitInvert: true}, 0, "", "", false},
		{"stdout contains", &QuantConfig{StdoutMode: MatchContains, StdoutRegex: "drift"}, 0, "there is drift here", "", true},
		{"stdout contains miss", &QuantConfig{StdoutMode: MatchContains, StdoutRegex: "drift"}, 0, "all good", "", false},
		{"stdout regex", &QuantConfig{StdoutMode: MatchRegex, StdoutRegex: "^drift"}, 0, "drifted badly", "", true},
		{"stdout empty mode", &QuantConfig{StdoutMode: MatchEmpty}, 0, "   ", "", true},
		{"stdout nonempty mode", &QuantConfig{StdoutMode: MatchNonempty}, 0, "x", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := QuantRuleMatches(tt.cfg, tt.exitCode, tt.stdout, tt.stderr)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunQuantCommandStopsOnMatch(t *testing.T) {
	cfg := &QuantConfig{
		Cmd:        "echo drift",
		EveryN:     1,
		When:       WhenAfterRun,
		Decision:   DecisionStop,
		StdoutMode: MatchContains,
		StdoutRegex: "drift",
	}

	result := RunQuantCommand(context.Background(), cfg, ".")
	if !result.Ran {
		t.Fatalf("expected command to run")
	}
	if !result.Matched || !result.Stopped {
		t.Fatalf("expected match and stop, got matched=%v stopped=%v stdout=%q", result.Matched, result.Stopped, result.Stdout)
	}
}

func TestRunQuantCommandContinueDecisionDoesNotStop(t *testing.T) {
	cfg := &QuantConfig{
		Cmd:        "echo drift",
		EveryN:     1,
		When:       WhenAfterRun,
		Decision:   DecisionContinue,
		StdoutMode: MatchContains,
		StdoutRegex: "drift",
	}

	result := RunQuantCommand(context.Background(), cfg, ".")
	if !result.Matched {
		t.Fatalf("expected match")
	}
	if result.Stopped {
		t.Fatalf("continue decision should not stop")
	}
}

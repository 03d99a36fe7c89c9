package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// WriteOutput renders value as pretty JSON, compact JSONL, or a plain
// fmt.Fprintln, depending on the --json/--jsonl flags. Slices render one
// JSON value per line in jsonl mode.
func WriteOutput(out io.Writer, value any) error {
	switch {
	case IsJSONLOutput():
		return writeJSONL(out, value)
	case IsJSONOutput():
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	default:
		_, err := fmt.Fprintln(out, value)
		return err
	}
}

func writeJSONL(out io.Writer, value any) error {
	if items, ok := value.([]any); ok {
		for _, item := range items {
			if err := writeJSONLine(out, item); err != nil {
				return err
			}
		}
		return nil
	}
	return writeJSONLine(out, value)
}

func writeJSONLine(out io.Writer, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal JSONL: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

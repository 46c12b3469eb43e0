package progress

import (
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/pkg/api"
)

// The run document is stored as JSON rather than an opaque binary encoding
// so that external status tooling can read it directly (and a future process
// can resume it without this package's type registry).

// EncodeRun serializes a run document.
func EncodeRun(run *api.Run) ([]byte, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	return data, nil
}

// DecodeRun deserializes a run document.
func DecodeRun(data []byte) (*api.Run, error) {
	var run api.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

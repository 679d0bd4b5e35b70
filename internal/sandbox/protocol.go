package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kinshell/kinshell/pkg/types"
)

// Sentinel markers delimiting the structured result on stdout.
const (
	OutputStartMarker = "---KINSHELL_OUTPUT_START---"
	OutputEndMarker   = "---KINSHELL_OUTPUT_END---"
)

var ErrNoResult = errors.New("no result block in sandbox output")

// Input is the JSON object written to the sandbox's stdin.
type Input struct {
	Prompt          string     `json:"prompt"`
	SessionID       string     `json:"sessionId,omitempty"`
	GroupFolder     string     `json:"groupFolder"`
	ChannelID       string     `json:"channelId"`
	IsMain          bool       `json:"isMain"`
	Tier            types.Tier `json:"tier"`
	IsScheduledTask bool       `json:"isScheduledTask,omitempty"`
}

// Output is the structured result the agent writes between the markers.
type Output struct {
	Status       string  `json:"status"`
	Result       *string `json:"result"`
	NewSessionID string  `json:"newSessionId,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// ParseOutput extracts the result from sandbox stdout. The sentinel block
// is authoritative; the last non-empty line is only tried when no start
// marker is present at all.
func ParseOutput(stdout string) (Output, error) {
	if start := strings.Index(stdout, OutputStartMarker); start >= 0 {
		rest := stdout[start+len(OutputStartMarker):]
		end := strings.Index(rest, OutputEndMarker)
		if end < 0 {
			return Output{}, fmt.Errorf("%w: end marker missing", ErrNoResult)
		}
		return decodeOutput(strings.TrimSpace(rest[:end]))
	}

	lines := strings.Split(strings.TrimRight(stdout, "\r\n\t "), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		out, err := decodeOutput(line)
		if err != nil {
			return Output{}, fmt.Errorf("%w: last line is not a result", ErrNoResult)
		}
		return out, nil
	}
	return Output{}, ErrNoResult
}

func decodeOutput(s string) (Output, error) {
	var out Output
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return Output{}, fmt.Errorf("decode sandbox result: %w", err)
	}
	switch out.Status {
	case "success", "error":
	default:
		return Output{}, fmt.Errorf("decode sandbox result: invalid status %q", out.Status)
	}
	return out, nil
}

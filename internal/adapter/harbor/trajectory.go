package harbor

import (
	"encoding/json"
	"strings"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// Trajectory files come in three shapes. ATIF is what current terminus
// agents write; the two legacy layouts still appear in archived tasks.

type atifTrajectory struct {
	SchemaVersion string     `json:"schema_version"`
	Steps         []atifStep `json:"steps"`
}

type atifStep struct {
	Source      string         `json:"source"`
	Message     string         `json:"message"`
	Observation string         `json:"observation"`
	ToolCalls   []atifToolCall `json:"tool_calls"`
}

type atifToolCall struct {
	FunctionName string          `json:"function_name"`
	Arguments    json.RawMessage `json:"arguments"`
}

type bashArgs struct {
	Keystrokes string `json:"keystrokes"`
}

// observationText is the terminal output a system step carries. Current
// writers use message; some older ones used observation.
func (s atifStep) observationText() string {
	if s.Message != "" {
		return s.Message
	}
	return s.Observation
}

type legacyStep struct {
	Command     string `json:"command"`
	Observation string `json:"observation"`
	Output      string `json:"output"`
	Thought     string `json:"thought"`
}

// parseTrajectory decodes trajectory.json bytes into episodes, dispatching
// on shape. An unrecognized document yields zero episodes, not an error;
// the caller falls back to its diagnostic episode.
func parseTrajectory(data []byte) ([]domain.Episode, error) {
	var probe struct {
		SchemaVersion string            `json:"schema_version"`
		Steps         []json.RawMessage `json:"steps"`
		Actions       []json.RawMessage `json:"actions"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	if probe.SchemaVersion != "" && len(probe.Steps) > 0 {
		var traj atifTrajectory
		if err := json.Unmarshal(data, &traj); err != nil {
			return nil, err
		}
		for _, st := range traj.Steps {
			if st.Source != "" {
				return atifEpisodes(traj.Steps), nil
			}
		}
	}

	if len(probe.Steps) > 0 {
		var doc struct {
			Steps []legacyStep `json:"steps"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return legacyEpisodes(doc.Steps), nil
	}

	if len(probe.Actions) > 0 {
		var doc struct {
			Actions []legacyStep `json:"actions"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return legacyEpisodes(doc.Actions), nil
	}

	return nil, nil
}

// atifEpisodes groups ATIF steps into episodes. Agent steps with a message
// open an episode; bash tool calls become commands; system steps append
// their output to the most recent command.
func atifEpisodes(steps []atifStep) []domain.Episode {
	var eps []domain.Episode
	var cur *domain.Episode
	flush := func() {
		if cur != nil {
			eps = append(eps, *cur)
			cur = nil
		}
	}
	for _, st := range steps {
		switch st.Source {
		case "agent":
			if st.Message != "" {
				flush()
				analysis, plan := splitHeadings(st.Message)
				cur = &domain.Episode{Index: len(eps), StateAnalysis: analysis, Explanation: plan}
			}
			cmds := bashCommands(st.ToolCalls)
			if len(cmds) == 0 {
				continue
			}
			if cur == nil {
				cur = &domain.Episode{Index: len(eps)}
			}
			cur.Commands = append(cur.Commands, cmds...)
		case "system":
			text := st.observationText()
			if text == "" || cur == nil || len(cur.Commands) == 0 {
				continue
			}
			last := &cur.Commands[len(cur.Commands)-1]
			if last.Output == "" {
				last.Output = text
			} else {
				last.Output += "\n" + text
			}
		}
	}
	flush()
	return eps
}

func bashCommands(calls []atifToolCall) []domain.Command {
	var cmds []domain.Command
	for _, tc := range calls {
		if tc.FunctionName != "bash_command" {
			continue
		}
		var ba bashArgs
		if err := json.Unmarshal(tc.Arguments, &ba); err != nil || ba.Keystrokes == "" {
			continue
		}
		cmds = append(cmds, domain.Command{Input: ba.Keystrokes})
	}
	return cmds
}

// legacyEpisodes maps legacy steps one to one onto episodes, so episode N
// is always step N of the recorded session. A step with no content at all
// becomes a diagnostic placeholder rather than a hole in the sequence.
func legacyEpisodes(steps []legacyStep) []domain.Episode {
	eps := make([]domain.Episode, 0, len(steps))
	for i, st := range steps {
		out := st.Observation
		if out == "" {
			out = st.Output
		}
		ep := domain.Episode{Index: i, Explanation: st.Thought}
		if st.Command != "" {
			ep.Commands = []domain.Command{{Input: st.Command, Output: out}}
		}
		if st.Command == "" && st.Thought == "" && out == "" {
			ep.Explanation = "empty trajectory step"
			ep.Metadata = map[string]any{"diagnostic": true}
		}
		eps = append(eps, ep)
	}
	return eps
}

// splitHeadings pulls "Analysis:" and "Plan:" sections out of an agent
// message. When neither heading is present the whole message lands in the
// explanation.
func splitHeadings(msg string) (analysis, plan string) {
	const (
		analysisTok = "Analysis:"
		planTok     = "Plan:"
	)
	ai := strings.Index(msg, analysisTok)
	pi := strings.Index(msg, planTok)
	if ai < 0 && pi < 0 {
		return "", strings.TrimSpace(msg)
	}
	if ai >= 0 {
		end := len(msg)
		if pi > ai {
			end = pi
		}
		analysis = strings.TrimSpace(msg[ai+len(analysisTok) : end])
	}
	if pi >= 0 {
		plan = strings.TrimSpace(msg[pi+len(planTok):])
	}
	return analysis, plan
}

package harbor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// TrialResult is the normalized outcome extracted from one trial directory.
type TrialResult struct {
	TrialDir    string
	Episodes    []domain.Episode
	TestsPassed int
	TestsTotal  int
	TestCases   []domain.TestCase
	Rewards     map[string]int
}

// oracleMarker labels the state analysis of an episode rebuilt from an
// oracle transcript, which carries no analysis of its own.
const oracleMarker = "Oracle solution"

// resultFile is the slice of result.json the worker reads.
type resultFile struct {
	VerifierResult struct {
		Rewards map[string]float64 `json:"rewards"`
	} `json:"verifier_result"`
}

// ParseTrial reads the artifact tree one agent run leaves under outputDir:
//
//	<outputDir>/<timestamped-run>/<trial>/
//	  result.json
//	  agent/trajectory.json | agent/oracle.txt
//	  verifier/ctrf.json
//
// Test counts prefer ctrf.json and fall back to result.json rewards. The
// trajectory dispatch covers ATIF, the two legacy layouts, the oracle
// transcript, and finally a diagnostic episode naming what was missing.
func ParseTrial(outputDir string) (TrialResult, error) {
	runDir, err := largestChildDir(outputDir)
	if err != nil {
		return TrialResult{}, fmt.Errorf("op=harbor.parse_trial: no output directory under %s: %w", outputDir, domain.ErrExecution)
	}
	trialDir, err := firstChildDir(runDir)
	if err != nil {
		return TrialResult{}, fmt.Errorf("op=harbor.parse_trial: no trial directory under %s: %w", runDir, domain.ErrExecution)
	}

	res := TrialResult{TrialDir: trialDir}
	res.Rewards = readRewards(filepath.Join(trialDir, "result.json"))

	if data, err := os.ReadFile(filepath.Join(trialDir, "verifier", "ctrf.json")); err == nil {
		if passed, total, cases, err := parseCTRF(data); err == nil {
			res.TestsPassed, res.TestsTotal, res.TestCases = passed, total, cases
		}
	}
	if res.TestsTotal == 0 && len(res.Rewards) > 0 {
		res.TestsTotal = len(res.Rewards)
		for _, v := range res.Rewards {
			if v == 1 {
				res.TestsPassed++
			}
		}
	}

	res.Episodes = trialEpisodes(trialDir)
	return res, nil
}

// RecoverTrial is the defensive variant invoked after an attempt crashed or
// timed out: parse whatever exists, upload the trial directory so the run
// stays inspectable, and never report an error.
func RecoverTrial(ctx domain.Context, outputDir string, store domain.ObjectStore, keyPrefix string) (TrialResult, bool) {
	res, err := ParseTrial(outputDir)
	if err != nil {
		slog.Debug("trial recovery found no artifacts",
			slog.String("output_dir", outputDir), slog.Any("error", err))
		return TrialResult{}, false
	}
	if store == nil || keyPrefix == "" {
		return res, false
	}
	if _, err := store.PutDirectory(ctx, res.TrialDir, keyPrefix); err != nil {
		slog.Warn("trial recovery upload failed",
			slog.String("trial_dir", res.TrialDir), slog.Any("error", err))
		return res, false
	}
	return res, true
}

// trialEpisodes extracts episodes from the agent directory, falling back to
// a diagnostic episode that names the failure mode.
func trialEpisodes(trialDir string) []domain.Episode {
	agentDir := filepath.Join(trialDir, "agent")
	st, err := os.Stat(agentDir)
	if err != nil || !st.IsDir() {
		return []domain.Episode{DiagnosticEpisode("agent directory missing")}
	}

	if data, err := os.ReadFile(filepath.Join(agentDir, "trajectory.json")); err == nil {
		eps, perr := parseTrajectory(data)
		switch {
		case perr != nil:
			return []domain.Episode{DiagnosticEpisode("trajectory file unreadable: " + perr.Error())}
		case len(eps) > 0:
			return eps
		default:
			return []domain.Episode{DiagnosticEpisode("trajectory file has no recognizable steps")}
		}
	}

	if data, err := os.ReadFile(filepath.Join(agentDir, "oracle.txt")); err == nil {
		if text := strings.TrimSpace(string(data)); text != "" {
			zero := 0
			return []domain.Episode{{
				Index:         0,
				StateAnalysis: oracleMarker,
				Commands:      []domain.Command{{Input: "oracle", Output: string(data), ExitCode: &zero}},
			}}
		}
	}

	entries, err := os.ReadDir(agentDir)
	if err != nil || len(entries) == 0 {
		return []domain.Episode{DiagnosticEpisode("agent directory empty")}
	}
	return []domain.Episode{DiagnosticEpisode("agent directory has no trajectory file")}
}

// DiagnosticEpisode stands in when no real trajectory could be parsed, so
// every attempt carries at least one episode explaining itself.
func DiagnosticEpisode(msg string) domain.Episode {
	return domain.Episode{
		Index:       0,
		Explanation: "No agent trajectory recovered: " + msg,
		Metadata:    map[string]any{"diagnostic": true},
	}
}

func readRewards(resultPath string) map[string]int {
	data, err := os.ReadFile(resultPath)
	if err != nil {
		return nil
	}
	var rf resultFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil
	}
	if len(rf.VerifierResult.Rewards) == 0 {
		return nil
	}
	out := make(map[string]int, len(rf.VerifierResult.Rewards))
	for k, v := range rf.VerifierResult.Rewards {
		out[k] = int(v)
	}
	return out
}

// largestChildDir returns the lexicographically largest immediate
// subdirectory; run directories are timestamp-named so that is the newest.
func largestChildDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no subdirectories in %s", dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

func firstChildDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no subdirectories in %s", dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

package harbor

import (
	"encoding/json"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// ctrfReport is the subset of the Common Test Report Format the verifier
// emits that the worker cares about.
type ctrfReport struct {
	Results struct {
		Summary struct {
			Tests  int `json:"tests"`
			Passed int `json:"passed"`
		} `json:"summary"`
		Tests []struct {
			Name    string `json:"name"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"tests"`
	} `json:"results"`
}

// parseCTRF extracts test counts and per-test cases from ctrf.json bytes.
func parseCTRF(data []byte) (passed, total int, cases []domain.TestCase, err error) {
	var rep ctrfReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return 0, 0, nil, err
	}
	for _, tc := range rep.Results.Tests {
		cases = append(cases, domain.TestCase{
			Name:   tc.Name,
			Status: tc.Status,
			Trace:  tc.Message,
		})
	}
	return rep.Results.Summary.Passed, rep.Results.Summary.Tests, cases, nil
}

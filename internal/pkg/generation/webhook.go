package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Prediction statuses reported by the generation provider.
const (
	PredictionStatusStarting   = "starting"
	PredictionStatusProcessing = "processing"
	PredictionStatusSucceeded  = "succeeded"
	PredictionStatusFailed     = "failed"
	PredictionStatusCanceled   = "canceled"
)

// ErrMalformedPrediction marks a provider webhook body that could not be parsed.
var ErrMalformedPrediction = errors.New("malformed prediction payload")

// Prediction is the provider's view of one generation run. Output is either
// a single URL string or a list of URL strings depending on the model.
type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// ParsePrediction parses the verified raw webhook body.
func ParsePrediction(raw []byte) (*Prediction, error) {
	var pred Prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPrediction, err)
	}
	if strings.TrimSpace(pred.ID) == "" {
		return nil, fmt.Errorf("%w: missing prediction id", ErrMalformedPrediction)
	}
	pred.Status = strings.ToLower(strings.TrimSpace(pred.Status))
	return &pred, nil
}

// IsTerminal reports whether the provider considers the run finished.
func (p *Prediction) IsTerminal() bool {
	switch p.Status {
	case PredictionStatusSucceeded, PredictionStatusFailed, PredictionStatusCanceled:
		return true
	default:
		return false
	}
}

// NormalizeOutputs flattens the provider output into a uniform URL list.
// Empty, null or unrecognized outputs yield an empty list, which the success
// path treats as a failure.
func NormalizeOutputs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single = strings.TrimSpace(single); single != "" {
			return []string{single}
		}
		return nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		outputs := make([]string, 0, len(list))
		for _, item := range list {
			if item = strings.TrimSpace(item); item != "" {
				outputs = append(outputs, item)
			}
		}
		return outputs
	}
	return nil
}

package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Response is the agent's reply to exactly one Job.
type Response struct {
	JobID         string   `json:"jobId"`
	OK            bool     `json:"ok"`
	Summary       string   `json:"summary,omitempty"`
	Plan          []string `json:"plan,omitempty"`
	Actions       []Action `json:"actions"`
	Notes         []string `json:"notes,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	TransactionID string   `json:"transactionId,omitempty"`
	RiskScore     *float64 `json:"riskScore,omitempty"`
	// ContextVersion is the version the agent planned against after a
	// rebase. Zero means the job's own contextVersion.
	ContextVersion int64 `json:"contextVersion,omitempty"`
}

// wireResponse accepts the shapes agents actually send: actions may arrive
// under "actions", "tx.actions", "plan.actions", or as a "plan" that is
// itself a list of actions.
type wireResponse struct {
	JobID          string          `json:"jobId"`
	OK             *bool           `json:"ok"`
	Summary        string          `json:"summary"`
	Plan           json.RawMessage `json:"plan"`
	Actions        json.RawMessage `json:"actions"`
	Tx             *wireTx         `json:"tx"`
	Notes          []string        `json:"notes"`
	Errors         []string        `json:"errors"`
	TransactionID  string          `json:"transactionId"`
	RiskScore      *float64        `json:"riskScore"`
	ContextVersion int64           `json:"contextVersion"`
}

type wireTx struct {
	ID      string          `json:"id"`
	Actions json.RawMessage `json:"actions"`
}

// UnmarshalJSON decodes a response and extracts its action list.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Response{
		JobID:          w.JobID,
		OK:             w.OK == nil || *w.OK,
		Summary:        w.Summary,
		Notes:          w.Notes,
		Errors:         w.Errors,
		TransactionID:  w.TransactionID,
		RiskScore:      w.RiskScore,
		ContextVersion: w.ContextVersion,
	}

	actionsRaw := w.Actions
	if isEmptyJSON(actionsRaw) && w.Tx != nil {
		actionsRaw = w.Tx.Actions
		if out.TransactionID == "" {
			out.TransactionID = w.Tx.ID
		}
	}

	if !isEmptyJSON(w.Plan) {
		switch w.Plan[0] {
		case '[':
			var steps []string
			if err := json.Unmarshal(w.Plan, &steps); err == nil {
				out.Plan = steps
			} else if isEmptyJSON(actionsRaw) {
				actionsRaw = w.Plan
			}
		case '{':
			var plan struct {
				Steps   []string        `json:"steps"`
				Actions json.RawMessage `json:"actions"`
			}
			if err := json.Unmarshal(w.Plan, &plan); err != nil {
				return fmt.Errorf("plan: %w", err)
			}
			out.Plan = plan.Steps
			if isEmptyJSON(actionsRaw) {
				actionsRaw = plan.Actions
			}
		case '"':
			var step string
			if err := json.Unmarshal(w.Plan, &step); err != nil {
				return fmt.Errorf("plan: %w", err)
			}
			out.Plan = []string{step}
		}
	}

	if !isEmptyJSON(actionsRaw) {
		if err := json.Unmarshal(actionsRaw, &out.Actions); err != nil {
			return fmt.Errorf("actions: %w", err)
		}
	}
	*r = out
	return nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// DecodeResponse parses a response record. Malformed input yields
// CodeSchemaInvalid.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, WrapError(CodeSchemaInvalid, err, "malformed response")
	}
	if r.JobID == "" {
		return Response{}, NewError(CodeSchemaInvalid, "response is missing jobId")
	}
	return r, nil
}

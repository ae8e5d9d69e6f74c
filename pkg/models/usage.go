package models

// Usage is a per-job aggregate of LLM consumption. Workers add a delta after
// each LLM call; the usage endpoint reads the accumulated total.
type Usage struct {
	JobID        string  `json:"job_id,omitempty"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Calls        int64   `json:"calls"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates a delta into u.
func (u *Usage) Add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.Calls += delta.Calls
	u.CostUSD += delta.CostUSD
}

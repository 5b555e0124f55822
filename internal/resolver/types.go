package resolver

// ResolveRequest is the request body for POST /v1/resolve. Amounts are base-10 strings, durations are
// whole seconds, byte fields are 0x-hex.
type ResolveRequest struct {
	VestingID      uint64 `json:"vesting_id"`
	Beneficiary    string `json:"beneficiary"`
	TotalAmount    string `json:"total_amount"`
	ClaimedAmount  string `json:"claimed_amount"`
	StartTime      int64  `json:"start_time"`
	CliffSeconds   int64  `json:"cliff_seconds"`
	VestingSeconds int64  `json:"vesting_seconds"`
	Tranches       uint32 `json:"tranches,omitempty"`
	Status         string `json:"status"`
	AsOf           int64  `json:"as_of"`
}

// ResolveResponse is the response body for POST /v1/resolve.
type ResolveResponse struct {
	VestingID   uint64 `json:"vesting_id"`
	Beneficiary string `json:"beneficiary"`
	AsOf        int64  `json:"as_of"`
	Claimable   string `json:"claimable"`
	Ciphertext  string `json:"ciphertext,omitempty"`
	Proof       string `json:"proof,omitempty"`
	Commitment  string `json:"commitment,omitempty"`
}

// Error codes carried in {"error": ...} bodies.
const (
	codeStaleSchedule = "stale_schedule"
	codeInvalidRecord = "invalid_record"
	codeUnavailable   = "unavailable"
)

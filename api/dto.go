/*
dto.go - Wire-level request and response shapes

PURPOSE:
  JSON bodies for the HTTP surface. Kept separate from the broker
  types so the wire contract can evolve without touching the domain.

CONVENTIONS:
  - Verification failures are 200 responses with valid:false and a
    specific error code, keeping callers on the retry-safe path.
  - 5xx bodies carry the request correlation id so a caller report
    can be matched to server logs.
*/
package api

// StatusResponse is the GET / health body.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Version string `json:"version"`
}

// RequestAccessRequest is the POST /request_access body. TTLSeconds
// of zero means the service default; non-zero values are clamped.
type RequestAccessRequest struct {
	SellerID   string `json:"seller_id"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// RequestAccessResponse carries the minted (or replayed) token.
type RequestAccessResponse struct {
	AuthToken string `json:"auth_token"`
}

// VerifyResponse is the GET /verify/{token} body. Error is set only
// when Valid is false.
type VerifyResponse struct {
	Valid   bool   `json:"valid"`
	BuyerID string `json:"buyer_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SweepRequest is the optional POST /sweep_expired body.
type SweepRequest struct {
	Limit       int    `json:"limit,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// SweepResponse reports how many expired tokens were reclaimed.
type SweepResponse struct {
	Status string `json:"status"`
	Swept  int    `json:"swept"`
}

// ChallengeRequest is the POST /challenge body.
type ChallengeRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason,omitempty"`
}

// ChallengeResponse confirms a filed challenge.
type ChallengeResponse struct {
	Status string `json:"status"`
	Stake  int64  `json:"stake"`
}

// ResolveChallengeRequest is the POST /resolve_challenge body.
// Outcome must be "valid" or "invalid".
type ResolveChallengeRequest struct {
	Token   string `json:"token"`
	Outcome string `json:"outcome"`
}

// ResolveChallengeResponse confirms a ruling.
type ResolveChallengeResponse struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome"`
}

// InvariantsResponse is the GET /invariants body: consistent
// per-principal snapshots for operator tooling and stress harnesses.
type InvariantsResponse struct {
	Buyer  *PrincipalSnapshotDTO `json:"buyer,omitempty"`
	Seller *PrincipalSnapshotDTO `json:"seller,omitempty"`
}

// PrincipalSnapshotDTO mirrors broker.PrincipalSnapshot on the wire.
type PrincipalSnapshotDTO struct {
	ID           string `json:"id"`
	Balance      int64  `json:"balance"`
	Escrow       int64  `json:"escrow_balance"`
	TotalEarned  int64  `json:"total_earned"`
	Reputation   int64  `json:"reputation"`
	LiveTokens   int    `json:"live_tokens"`
	LiveEscrowed int64  `json:"live_escrowed"`
	SettledOut   int64  `json:"settled_out"`
	SettledIn    int64  `json:"settled_in"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

package admin

// AdjustRequest changes a user's day balance. Op is add, subtract or set;
// the balance counts consumed seconds, so subtract grants time.
type AdjustRequest struct {
	Op      string `json:"op"`
	Seconds int64  `json:"seconds"`
}

// UsersResponse lists users, either those with a running engine or those
// with a stored ledger.
type UsersResponse struct {
	Users []string `json:"users"`
}

// HealthResponse reports daemon health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

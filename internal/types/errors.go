package types

// ErrorBody carries the machine-readable code, a short operator-facing
// message and optional context for one failed feeder API request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse nests the body under an "error" key so clients can
// tell failures apart from status payloads by shape alone.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse assembles the envelope every handler returns on
// failure. details is typically the underlying error string but may
// be any JSON-encodable value.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

package server

// ResponseModel is the envelope every endpoint answers with.
type ResponseModel struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StopRequestModel is the body of a stop request. Type is one of none,
// checkpoint, graceful, immediate, force.
type StopRequestModel struct {
	Type string `json:"type"`
}

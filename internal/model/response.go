package model

// ErrorResponse defines error response structure.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine readable code and a message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListResponse wraps list endpoints.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Count int `json:"count"`
}

// NewListResponse creates a list response.
func NewListResponse[T any](data []T) *ListResponse[T] {
	if data == nil {
		data = []T{}
	}
	return &ListResponse[T]{Data: data, Count: len(data)}
}

package errors

import (
	"encoding/json"
	"net/http"
)

// Problem type URIs
const (
	TypeValidationError  = "https://api.talefront.io/problems/validation-error"
	TypeNotFound         = "https://api.talefront.io/problems/not-found"
	TypeRateLimit        = "https://api.talefront.io/problems/rate-limit"
	TypeReplayDetected   = "https://api.talefront.io/problems/replay-detected"
	TypeSignatureInvalid = "https://api.talefront.io/problems/signature-invalid"
	TypeBlocked          = "https://api.talefront.io/problems/blocked"
	TypeInternalError    = "https://api.talefront.io/problems/internal-error"
	TypeUnavailable      = "https://api.talefront.io/problems/service-unavailable"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithExtra adds an extra field serialized at the top level.
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON includes extra fields at the top level.
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	for k, v := range p.Extra {
		result[k] = v
	}
	return json.Marshal(result)
}

// Problem converts an engine error to its RFC 7807 representation. Unknown
// errors map to a generic internal-error problem so causes never leak.
func Problem(err error, instance string) *ProblemDetails {
	var e *Error
	if !As(err, &e) {
		return &ProblemDetails{
			Type:     TypeInternalError,
			Title:    "Internal Server Error",
			Status:   http.StatusInternalServerError,
			Instance: instance,
		}
	}
	switch e.Kind {
	case KindValidation:
		return &ProblemDetails{Type: TypeValidationError, Title: "Validation Error", Status: http.StatusBadRequest, Detail: e.Message, Instance: instance}
	case KindNotFound:
		return &ProblemDetails{Type: TypeNotFound, Title: "Not Found", Status: http.StatusNotFound, Detail: e.Message, Instance: instance}
	case KindRateLimit:
		return &ProblemDetails{Type: TypeRateLimit, Title: "Rate Limit Exceeded", Status: http.StatusTooManyRequests, Detail: e.Message, Instance: instance}
	case KindReplay:
		return &ProblemDetails{Type: TypeReplayDetected, Title: "Replay Detected", Status: http.StatusConflict, Detail: e.Message, Instance: instance}
	case KindSignature:
		return &ProblemDetails{Type: TypeSignatureInvalid, Title: "Signature Invalid", Status: http.StatusUnauthorized, Detail: e.Message, Instance: instance}
	case KindServiceDegraded:
		return &ProblemDetails{Type: TypeUnavailable, Title: "Service Unavailable", Status: http.StatusServiceUnavailable, Detail: e.Message, Instance: instance}
	}
	return &ProblemDetails{
		Type:     TypeInternalError,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   e.Message,
		Instance: instance,
	}
}

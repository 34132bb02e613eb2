package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/monisens/monisens/pkg/merrors"
)

// Problem types for RFC 7807 Problem Details responses, one per
// pkg/merrors.Kind plus the adapter-level cases (validation, rate limit,
// panic recovery) that never reach the Controller.
const (
	ProblemTypeIllegalState     = "https://monisens.dev/problems/illegal-state"
	ProblemTypeNotFound         = "https://monisens.dev/problems/not-found"
	ProblemTypeInvalidArgument  = "https://monisens.dev/problems/invalid-argument"
	ProblemTypeDriverError      = "https://monisens.dev/problems/driver-error"
	ProblemTypeSchemaError      = "https://monisens.dev/problems/schema-error"
	ProblemTypeIOError          = "https://monisens.dev/problems/io-error"
	ProblemTypeStorageError     = "https://monisens.dev/problems/storage-error"
	ProblemTypeAlreadyExists    = "https://monisens.dev/problems/already-exists"
	ProblemTypeInternal         = "https://monisens.dev/problems/internal-error"
	ProblemTypeRateLimited      = "https://monisens.dev/problems/rate-limited"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type" example:"https://monisens.dev/problems/not-found"`
	Title    string `json:"title" example:"Not Found"`
	Status   int    `json:"status" example:"404"`
	Detail   string `json:"detail,omitempty" example:"device 7 not found"`
	Instance string `json:"instance,omitempty" example:"/service/get-sensor-data"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// kindProblems maps each pkg/merrors.Kind to its RFC 7807 type URI, title,
// and HTTP status.
var kindProblems = map[merrors.Kind]struct {
	typ    string
	title  string
	status int
}{
	merrors.KindIllegalState:    {ProblemTypeIllegalState, "Illegal State", http.StatusConflict},
	merrors.KindNotFound:        {ProblemTypeNotFound, "Not Found", http.StatusNotFound},
	merrors.KindInvalidArgument: {ProblemTypeInvalidArgument, "Invalid Argument", http.StatusBadRequest},
	merrors.KindDriverError:     {ProblemTypeDriverError, "Driver Error", http.StatusBadGateway},
	merrors.KindSchemaError:     {ProblemTypeSchemaError, "Schema Error", http.StatusInternalServerError},
	merrors.KindIOError:         {ProblemTypeIOError, "I/O Error", http.StatusInternalServerError},
	merrors.KindStorageError:    {ProblemTypeStorageError, "Storage Error", http.StatusInternalServerError},
	merrors.KindAlreadyExists:   {ProblemTypeAlreadyExists, "Already Exists", http.StatusConflict},
}

// WriteError maps err to its RFC 7807 problem response. A *merrors.Error is
// mapped per its Kind; any other error (a bug, not a domain failure) is
// reported as a generic 500 without leaking its message.
func WriteError(w http.ResponseWriter, err error, instance string) {
	kind := merrors.KindOf(err)
	if p, ok := kindProblems[kind]; ok {
		WriteProblem(w, Problem{
			Type:     p.typ,
			Title:    p.title,
			Status:   p.status,
			Detail:   err.Error(),
			Instance: instance,
		})
		return
	}
	InternalError(w, "an unexpected error occurred", instance)
}

// BadRequest writes a 400 problem response for adapter-level validation
// failures that never reach the Controller (malformed JSON, missing
// multipart fields).
func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInvalidArgument,
		Title:    "Invalid Argument",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	})
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeRateLimited,
		Title:    "Too Many Requests",
		Status:   http.StatusTooManyRequests,
		Detail:   detail,
		Instance: instance,
	})
}

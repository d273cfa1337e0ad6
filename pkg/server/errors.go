package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"flowmesh/pkg/cluster"
	"flowmesh/pkg/eventbus"
	"flowmesh/pkg/process"
)

// Response codes that do not originate from an error value.
const (
	CodeIllegalTransition  = "ILLEGAL_TRANSITION"
	CodeInstanceBusy       = "INSTANCE_BUSY"
	CodeBadRequest         = "BAD_REQUEST"
	CodeClusteringDisabled = "CLUSTERING_DISABLED"
	codeInternal           = "INTERNAL_ERROR"
)

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HTTPStatusForCode maps an error text code to its HTTP status.
func HTTPStatusForCode(code string) int {
	switch {
	case code == cluster.ErrCodeClusteringUnavailable || code == CodeClusteringDisabled:
		return http.StatusServiceUnavailable
	case code == process.ErrCodeTaskNotFound:
		return http.StatusBadRequest
	case strings.HasSuffix(code, "_NOT_FOUND"):
		return http.StatusNotFound
	case code == process.ErrCodeDeployment, code == process.ErrCodeStart,
		code == process.ErrCodeInvalidVariables, code == CodeIllegalTransition, code == CodeBadRequest,
		code == eventbus.ErrCodeInvalidTopic:
		return http.StatusBadRequest
	case code == CodeInstanceBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatusForError maps err to its HTTP status.
func HTTPStatusForError(err error) int {
	return HTTPStatusForCode(process.Code(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := process.Code(err)
	if code == "" {
		code = codeInternal
	}
	writeJSON(w, HTTPStatusForCode(code), ErrorBody{Error: err.Error(), Code: code})
}

func writeFailure(w http.ResponseWriter, code, msg string) {
	writeJSON(w, HTTPStatusForCode(code), ErrorBody{Error: msg, Code: code})
}

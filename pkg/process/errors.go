package process

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"

	"flowmesh/pkg/cluster"
	"flowmesh/pkg/flow"
)

const (
	ErrCodeDeployment         = "DEPLOYMENT_ERROR"
	ErrCodeStart              = "START_ERROR"
	ErrCodeDefinitionNotFound = "DEFINITION_NOT_FOUND"
	ErrCodeInstanceNotFound   = "INSTANCE_NOT_FOUND"
	ErrCodeTaskNotFound       = "TASK_NOT_FOUND"
	ErrCodeStepExecution      = "STEP_EXECUTION_ERROR"
	ErrCodeInvalidVariables   = "INVALID_VARIABLES"
)

var (
	ErrDeployment = apperrors.New("deployment failed", apperrors.CategoryValidation).
			WithTextCode(ErrCodeDeployment)
	ErrStart = apperrors.New("start failed", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeStart)
	ErrDefinitionNotFound = apperrors.New("process definition not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeDefinitionNotFound)
	ErrInstanceNotFound = apperrors.New("process instance not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInstanceNotFound)
	ErrTaskNotFound = apperrors.New("user task not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeTaskNotFound)
	ErrStepExecution = apperrors.New("step execution failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeStepExecution)
	ErrInvalidVariables = apperrors.New("invalid variables", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidVariables)
)

func newError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// Code returns the text code carried by err, or "" for plain errors.
func Code(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsNotFound reports whether err is one of the not-found codes.
func IsNotFound(err error) bool {
	switch Code(err) {
	case ErrCodeDefinitionNotFound, ErrCodeInstanceNotFound, ErrCodeTaskNotFound, flow.ErrCodeFlowNotFound:
		return true
	}
	return false
}

// IsUnavailable reports whether err is a clustering-unavailable failure.
func IsUnavailable(err error) bool { return cluster.IsUnavailable(err) }

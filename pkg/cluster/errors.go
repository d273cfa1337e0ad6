package cluster

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const ErrCodeClusteringUnavailable = "CLUSTERING_UNAVAILABLE"

// ErrClusteringUnavailable is returned by every cluster-dependent call when the
// coordination substrate cannot be reached. Callers must not fall back to local execution.
var ErrClusteringUnavailable = apperrors.New("clustering unavailable", apperrors.CategoryExternal).
	WithTextCode(ErrCodeClusteringUnavailable)

// Unavailable clones ErrClusteringUnavailable with a reason and optional cause.
func Unavailable(reason string, source error) error {
	err := ErrClusteringUnavailable.Clone()
	if text := strings.TrimSpace(reason); text != "" {
		err.Message = "clustering unavailable: " + text
	}
	if source != nil {
		err.Source = source
	}
	return err
}

// IsUnavailable reports whether err carries the clustering-unavailable code.
func IsUnavailable(err error) bool {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode == ErrCodeClusteringUnavailable
	}
	return false
}

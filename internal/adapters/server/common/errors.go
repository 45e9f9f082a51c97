package common

import (
	"errors"
	"net/http"

	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

// ErrorClass is the transport classification of one app or domain error.
type ErrorClass struct {
	Status  int
	Code    string
	Hint    string
	Context map[string]any
}

// ClassifyError maps app and domain errors onto one stable status and code pair.
func ClassifyError(err error) ErrorClass {
	var contention *domain.LeaseContentionError
	var dangling *domain.DanglingDependencyError
	var cyclic *domain.CyclicDependencyError
	var decode *domain.DeserializationError

	switch {
	case err == nil:
		return ErrorClass{Status: http.StatusOK}
	case errors.As(err, &contention):
		return ErrorClass{
			Status: http.StatusConflict,
			Code:   "lease_contention",
			Hint:   "Wait for the holder to release the lease or for it to expire",
			Context: map[string]any{
				"holder_id":   contention.HolderID,
				"holder_name": contention.HolderName,
			},
		}
	case errors.Is(err, domain.ErrLeaseRequired):
		return ErrorClass{Status: http.StatusPreconditionRequired, Code: "lease_required", Hint: "Acquire the project edit lease first"}
	case errors.Is(err, app.ErrAlreadyExists):
		return ErrorClass{Status: http.StatusConflict, Code: "already_exists"}
	case errors.Is(err, app.ErrNotFound), errors.Is(err, app.ErrNoProject):
		return ErrorClass{Status: http.StatusNotFound, Code: "not_found"}
	case errors.As(err, &dangling):
		return ErrorClass{
			Status:  http.StatusBadRequest,
			Code:    "dangling_dependency",
			Context: map[string]any{"milestone_id": dangling.MilestoneID, "dependency_id": dangling.DependencyID},
		}
	case errors.As(err, &cyclic):
		return ErrorClass{
			Status:  http.StatusBadRequest,
			Code:    "cyclic_dependency",
			Context: map[string]any{"path": cyclic.Path},
		}
	case errors.As(err, &decode):
		ctx := map[string]any{}
		if decode.Field != "" {
			ctx["field"] = decode.Field
		}
		return ErrorClass{Status: http.StatusBadRequest, Code: "deserialization_failed", Context: ctx}
	case errors.Is(err, app.ErrProjectMismatch):
		return ErrorClass{Status: http.StatusBadRequest, Code: "project_mismatch"}
	case errors.Is(err, domain.ErrPersistence):
		return ErrorClass{Status: http.StatusServiceUnavailable, Code: "persistence_failure", Hint: "Local changes are kept; retry the save"}
	case errors.Is(err, app.ErrLedgerUnavailable), errors.Is(err, app.ErrListUnavailable):
		return ErrorClass{Status: http.StatusNotImplemented, Code: "not_supported"}
	case errors.Is(err, ErrServiceUnavailable):
		return ErrorClass{Status: http.StatusServiceUnavailable, Code: "service_unavailable"}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidName),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidPriority),
		errors.Is(err, domain.ErrInvalidProgress),
		errors.Is(err, domain.ErrInvalidDateRange),
		errors.Is(err, domain.ErrInvalidKPITarget),
		errors.Is(err, domain.ErrInvalidKPICurrent),
		errors.Is(err, domain.ErrInvalidTrend),
		errors.Is(err, domain.ErrInvalidEditor),
		errors.Is(err, domain.ErrInvalidChangeKind),
		errors.Is(err, domain.ErrDuplicateOrder),
		errors.Is(err, domain.ErrDuplicateID),
		errors.Is(err, domain.ErrUnknownMilestone),
		errors.Is(err, domain.ErrMilestoneHasTasks):
		return ErrorClass{Status: http.StatusBadRequest, Code: "invalid_request"}
	default:
		return ErrorClass{Status: http.StatusInternalServerError, Code: "internal_error"}
	}
}

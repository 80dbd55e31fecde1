package sync

import (
	"context"
	"errors"
)

// Outcome classifies the result of one sync phase for one table (or
// the app-level phase). Outcomes are ordinary values, not errors:
// every failure a phase can encounter is mapped to exactly one code
// before it leaves this package.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuthException
	OutcomeAccessDenied
	OutcomeIncompatibleServerVersion
	OutcomeInternalServerFailure
	OutcomeNetworkTransmissionException
	OutcomeLocalDatabaseException
	OutcomeTableSchemaMismatch
	OutcomeTableDoesNotExistOnServer
	OutcomeTableContainsCheckpoints
	OutcomeTableContainsConflicts
	OutcomeTableRequiresAppLevelSync
	OutcomeTablePendingAttachments
	OutcomeFailure
)

var outcomeNames = map[Outcome]string{
	OutcomeSuccess:                      "success",
	OutcomeAuthException:                "auth_exception",
	OutcomeAccessDenied:                 "access_denied",
	OutcomeIncompatibleServerVersion:    "incompatible_server_version",
	OutcomeInternalServerFailure:        "internal_server_failure",
	OutcomeNetworkTransmissionException: "network_transmission_exception",
	OutcomeLocalDatabaseException:       "local_database_exception",
	OutcomeTableSchemaMismatch:          "table_schema_mismatch",
	OutcomeTableDoesNotExistOnServer:    "table_does_not_exist_on_server",
	OutcomeTableContainsCheckpoints:     "table_contains_checkpoints",
	OutcomeTableContainsConflicts:       "table_contains_conflicts",
	OutcomeTableRequiresAppLevelSync:    "table_requires_app_level_sync",
	OutcomeTablePendingAttachments:      "table_pending_attachments",
	OutcomeFailure:                      "failure",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// classifyTransportError maps an error returned by a Transport verb to
// its outcome code. Unrecognized errors are treated as network
// transmission failures, the transient default.
func classifyTransportError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrAuth):
		return OutcomeAuthException
	case errors.Is(err, ErrAccessDenied):
		return OutcomeAccessDenied
	case errors.Is(err, ErrIncompatibleServer):
		return OutcomeIncompatibleServerVersion
	case errors.Is(err, ErrServerInternal):
		return OutcomeInternalServerFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeNetworkTransmissionException
	default:
		return OutcomeNetworkTransmissionException
	}
}

// OverallStatus is the single aggregated result surfaced to the user
// after a run: per-table detail stays in the run's table results.
type OverallStatus int

const (
	StatusSuccess OverallStatus = iota
	StatusSuccessPendingAttachments
	StatusConflictResolutionNeeded
	StatusNetworkOrFileError
	StatusAuthResolutionNeeded
	StatusNotStarted
)

var statusNames = map[OverallStatus]string{
	StatusSuccess:                   "success",
	StatusSuccessPendingAttachments: "success_pending_attachments",
	StatusConflictResolutionNeeded:  "conflict_resolution_needed",
	StatusNetworkOrFileError:        "network_or_file_error",
	StatusAuthResolutionNeeded:      "auth_resolution_needed",
	StatusNotStarted:                "not_started",
}

func (s OverallStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// aggregate folds per-table outcomes into the overall status with
// strict precedence: auth beats everything, then hard table failures,
// then conflict or checkpoint resolution, then pending attachments.
func aggregate(outcomes []Outcome) OverallStatus {
	status := StatusSuccess
	for _, o := range outcomes {
		switch o {
		case OutcomeAuthException, OutcomeAccessDenied:
			return StatusAuthResolutionNeeded
		case OutcomeSuccess:
		case OutcomeTableContainsCheckpoints, OutcomeTableContainsConflicts:
			if status != StatusNetworkOrFileError {
				status = StatusConflictResolutionNeeded
			}
		case OutcomeTablePendingAttachments:
			if status == StatusSuccess {
				status = StatusSuccessPendingAttachments
			}
		default:
			status = StatusNetworkOrFileError
		}
	}
	return status
}

package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20099: Sandbox backend & command executor errors
// 20100-20199: Step pipeline errors
// 20200-20299: Coordinator errors
// 20300-20399: Runner & provider errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Sandbox Errors (20000-20099) ==========

	// Lifecycle (20000-20049)
	SandboxCreateFailed  ErrorCode = 20000
	SandboxStartFailed   ErrorCode = 20001
	SandboxStopFailed    ErrorCode = 20002
	SandboxDestroyFailed ErrorCode = 20003
	SnapshotFailed       ErrorCode = 20004
	SnapshotRestoreFail  ErrorCode = 20005
	ResourceLimitFailed  ErrorCode = 20006
	SandboxNotRunning    ErrorCode = 20007

	// Command execution (20050-20099)
	SandboxStopped ErrorCode = 20050
	CommandFailed  ErrorCode = 20051
	CommandTimeout ErrorCode = 20052
	AttachFailed   ErrorCode = 20053

	// ========== Step Pipeline Errors (20100-20199) ==========

	StepKindNotFound ErrorCode = 20100
	StepFailed       ErrorCode = 20101
	StopRunningSteps ErrorCode = 20102
	InvalidStepData  ErrorCode = 20103

	// ========== Coordinator Errors (20200-20299) ==========

	CoordinatorUnavailable ErrorCode = 20200
	CoordinatorRejected    ErrorCode = 20201
	NoWorkAvailable        ErrorCode = 20202

	// ========== Runner Errors (20300-20399) ==========

	RunnerKindNotFound     ErrorCode = 20300
	InvalidInstructions    ErrorCode = 20301
	InvalidStateTransition ErrorCode = 20302
	ProviderActionTimeout  ErrorCode = 20303
	ProviderActionFailed   ErrorCode = 20304
	BaseSystemNotFound     ErrorCode = 20305
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Sandbox
	SandboxCreateFailed:  "Failed to create sandbox",
	SandboxStartFailed:   "Failed to start sandbox",
	SandboxStopFailed:    "Failed to stop sandbox",
	SandboxDestroyFailed: "Failed to destroy sandbox",
	SnapshotFailed:       "Failed to snapshot sandbox",
	SnapshotRestoreFail:  "Failed to restore sandbox snapshot",
	ResourceLimitFailed:  "Failed to set sandbox resource limit",
	SandboxNotRunning:    "Sandbox is not running",
	SandboxStopped:       "Sandbox was stopped",
	CommandFailed:        "Command exited with a non-zero status",
	CommandTimeout:       "Command timed out",
	AttachFailed:         "Failed to attach command to sandbox",

	// Step pipeline
	StepKindNotFound: "Unknown step kind",
	StepFailed:       "Step failed",
	StopRunningSteps: "Stop running steps",
	InvalidStepData:  "Invalid step data",

	// Coordinator
	CoordinatorUnavailable: "Coordinator is unavailable",
	CoordinatorRejected:    "Coordinator rejected the request",
	NoWorkAvailable:        "No work available",

	// Runner
	RunnerKindNotFound:     "Unknown runner kind",
	InvalidInstructions:    "Invalid runner instructions",
	InvalidStateTransition: "Invalid state transition",
	ProviderActionTimeout:  "Provider action did not succeed in time",
	ProviderActionFailed:   "Provider action failed",
	BaseSystemNotFound:     "Base system not found",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == RunnerKindNotFound, c == NoWorkAvailable:
		return 404
	case c == ServiceUnavailable, c == CoordinatorUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == InvalidInstructions:
		return 400
	default:
		return 500
	}
}

package subarray

// Lifecycle command names, shared between the state table, the executor,
// and the HTTP surface.
const (
	CmdAssignResources  = "AssignResources"
	CmdReleaseResources = "ReleaseResources"
	CmdConfigureScan    = "ConfigureScan"
	CmdScan             = "Scan"
	CmdEndScan          = "EndScan"
	CmdGoToIdle         = "GoToIdle"
	CmdAbort            = "Abort"
	CmdObsReset         = "ObsReset"
	CmdRestart          = "Restart"
)

// TaskStatus is the immediate response to a submitted lifecycle command.
type TaskStatus string

const (
	TaskQueued   TaskStatus = "QUEUED"
	TaskRejected TaskStatus = "REJECTED"
)

// ResultCode is the terminal outcome of a lifecycle command.
type ResultCode string

const (
	ResultCompleted ResultCode = "COMPLETED"
	ResultFailed    ResultCode = "FAILED"
	ResultAborted   ResultCode = "ABORTED"
)

// CommandResult is the single terminal event every accepted command
// eventually produces, correlated to the issuing call by CommandID.
type CommandResult struct {
	CommandID string     `json:"command_id"`
	Command   string     `json:"command"`
	Code      ResultCode `json:"result_code"`
	Message   string     `json:"message"`
}

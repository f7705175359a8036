// Package subarray implements the observation state machine that drives
// assigned channelizer and processor resources through the scan lifecycle.
package subarray

import "fmt"

// ObsState is the top-level lifecycle state of the subarray.
type ObsState int

const (
	ObsEmpty ObsState = iota
	ObsResourcing
	ObsIdle
	ObsConfiguring
	ObsReady
	ObsScanning
	ObsAborting
	ObsAborted
	ObsResetting
	ObsRestarting
	ObsFault
)

var obsStateNames = map[ObsState]string{
	ObsEmpty:       "EMPTY",
	ObsResourcing:  "RESOURCING",
	ObsIdle:        "IDLE",
	ObsConfiguring: "CONFIGURING",
	ObsReady:       "READY",
	ObsScanning:    "SCANNING",
	ObsAborting:    "ABORTING",
	ObsAborted:     "ABORTED",
	ObsResetting:   "RESETTING",
	ObsRestarting:  "RESTARTING",
	ObsFault:       "FAULT",
}

func (s ObsState) String() string {
	if name, ok := obsStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ObsState(%d)", int(s))
}

// commandSourceStates lists the states each lifecycle command may be issued
// from. Commands issued elsewhere are rejected before any remote call.
var commandSourceStates = map[string][]ObsState{
	CmdAssignResources:  {ObsEmpty, ObsIdle},
	CmdReleaseResources: {ObsIdle},
	CmdConfigureScan:    {ObsIdle, ObsReady},
	CmdScan:             {ObsReady},
	CmdEndScan:          {ObsScanning},
	CmdGoToIdle:         {ObsReady},
	CmdAbort:            {ObsResourcing, ObsIdle, ObsConfiguring, ObsReady, ObsScanning, ObsResetting},
	CmdObsReset:         {ObsAborted, ObsFault},
	CmdRestart:          {ObsAborted, ObsFault},
}

// allowedFrom reports whether command may be issued while in state.
func allowedFrom(command string, state ObsState) bool {
	for _, s := range commandSourceStates[command] {
		if s == state {
			return true
		}
	}
	return false
}

// delayModelStates are the states in which delay models may be forwarded.
var delayModelStates = map[ObsState]bool{
	ObsConfiguring: true,
	ObsReady:       true,
	ObsScanning:    true,
}

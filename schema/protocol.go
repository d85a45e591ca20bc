package schema

import "strconv"

// Top-level verbs read from the monkey.
const (
	VerbGeneric = "GENERIC"
	VerbWindow  = "WINDOW"
	VerbLogin   = "LOGIN"
	VerbPlot    = "PLOT"
)

// GENERIC sub-actions.
const (
	GenericStarted  = "STARTED"
	GenericFinished = "FINISHED"
	GenericLaunch   = "LAUNCH"
	GenericExit     = "EXIT"
)

// Creation actions for windows and login windows.
const (
	WindowNew = "NEW"
	LoginOpen = "OPEN"
)

// Outbound verbs written to the monkey.
const (
	CmdOptions = "OPTIONS"
	CmdWindow  = "WINDOW"
	CmdLogin   = "LOGIN"
	CmdQuit    = "QUIT"
)

// TokenTrue is the monkey's boolean true. Anything else reads as false.
const TokenTrue = "TRUE"

// ExitLine formats the synthetic terminal line injected when the session dies.
func ExitLine(code int) string {
	return VerbGeneric + " " + GenericExit + " " + strconv.Itoa(code)
}

package httpapi

import "syscall"

// signalByName maps the small set of signals a terminal client is allowed
// to request against its own PTY process.
var signalByName = map[string]syscall.Signal{
	"SIGINT":  syscall.SIGINT,
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGTSTP": syscall.SIGTSTP,
	"SIGCONT": syscall.SIGCONT,
	"SIGWINCH": syscall.SIGWINCH,
}

package mcphost

import (
	"os"
	"syscall"
)

// terminateSignal is the graceful-shutdown signal sent to a tool server
// before escalating to a hard kill.
func terminateSignal() os.Signal {
	return syscall.SIGTERM
}

package connector

import "fmt"

// ExitError reports a connector that exited with an unexpected code.
type ExitError struct {
	Connector string
	Code      int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s process exited with code %d; this is expected if the sync was cancelled", e.Connector, e.Code)
}

// cleanExit reports whether code is a normal shutdown: success or SIGTERM.
func cleanExit(code int) bool {
	return code == 0 || code == 143
}

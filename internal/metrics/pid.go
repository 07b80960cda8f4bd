package metrics

import "os"

func currentPID() int {
	return os.Getpid()
}

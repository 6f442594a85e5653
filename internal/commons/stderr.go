package commons

import "os"

func newStderrSyncer() *os.File {
	return os.Stderr
}

package safe

import (
	"commune/logger"
)

// Go starts a goroutine that recovers from panics,
// so a broken handler never takes the whole process down.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}

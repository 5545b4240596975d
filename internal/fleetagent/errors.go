package fleetagent

import (
	"errors"
	"fmt"
)

var errAlreadyRunning = errors.New("fleetagent: already running")

func wrapStartErr(component string, err error) error {
	return fmt.Errorf("fleetagent: %s failed to start: %w", component, err)
}

func wrapCollectorStartErr(i int, err error) error {
	return fmt.Errorf("fleetagent: collector[%d] failed to start: %w", i, err)
}

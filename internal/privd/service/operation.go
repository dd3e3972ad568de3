package service

import (
	"fmt"
	"strings"

	perrors "privd/pkg/errors"
)

type Operation string

const (
	OpStart              Operation = "start"
	OpStop               Operation = "stop"
	OpEnable             Operation = "enable"
	OpDisable            Operation = "disable"
	OpRestart            Operation = "restart"
	OpTryRestart         Operation = "try-restart"
	OpReload             Operation = "reload"
	OpTryReloadOrRestart Operation = "try-reload-or-restart"
	OpMask               Operation = "mask"
	OpUnmask             Operation = "unmask"
	OpIsEnabled          Operation = "is-enabled"
	OpIsRunning          Operation = "is-running"
	OpStatus             Operation = "status"
)

// Operations lists every unit operation in a stable order.
var Operations = []Operation{
	OpStart, OpStop, OpEnable, OpDisable, OpRestart, OpTryRestart, OpReload,
	OpTryReloadOrRestart, OpMask, OpUnmask, OpIsEnabled, OpIsRunning, OpStatus,
}

// ParseOperation accepts the dashed form and the underscored one.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ReplaceAll(strings.ToLower(s), "_", "-"))
	for _, known := range Operations {
		if op == known {
			return op, nil
		}
	}
	return "", fmt.Errorf("%w: unknown service operation %q", perrors.ErrInvalidArgument, s)
}

// Query reports whether the operation only inspects state.
func (o Operation) Query() bool {
	return o == OpIsEnabled || o == OpIsRunning || o == OpStatus
}

var allowedTargets = map[string]bool{
	"graphical.target":  true,
	"multi-user.target": true,
}

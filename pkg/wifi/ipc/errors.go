package ipc

import (
	"errors"
	"fmt"

	"github.com/loopholelabs/wispi/pkg/wifi/ipc/packets"
)

var ErrTimeout = errors.New("request timed out")
var ErrInvalidParam = errors.New("invalid request parameter")
var ErrBadResponse = errors.New("malformed response")

// StatusError is a well formed response carrying a nonzero result code.
type StatusError struct {
	API    packets.API
	Status int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer returned status %d for %s", e.Status, e.API)
}

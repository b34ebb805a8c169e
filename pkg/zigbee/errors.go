package zigbee

import "errors"

var (
	// ErrUARTWrite indicates a UART write failed or wrote fewer bytes
	// than requested. Open returns it; a failed DATA-frame or ACK write
	// is only logged, and the session is not torn down.
	ErrUARTWrite = errors.New("uart write error")

	// ErrDongleNotOpen indicates a command was issued before Open
	// succeeded.
	ErrDongleNotOpen = errors.New("dongle not open")

	// ErrSinkTableFull indicates registerGpd/addEntry found no free slot.
	ErrSinkTableFull = errors.New("sink table full")

	// ErrSinkNotReady indicates a sink operation was attempted outside
	// the state it requires.
	ErrSinkNotReady = errors.New("sink not ready")
)

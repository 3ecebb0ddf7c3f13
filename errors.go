package surfelrec

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned by SurfelModel.Insert when every slot is
	// taken. The caller decides what to retire.
	ErrCapacityExceeded = errors.New("surfel model capacity exceeded")

	// ErrInvalidSample marks a range-image sample that cannot produce a surfel
	// (no depth, degenerate normal, grazing angle). It is counted, not escalated.
	ErrInvalidSample = errors.New("invalid range sample")

	// ErrInvalidArgument reports malformed configuration or mismatched inputs.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSlotNotLive is returned when updating or removing a free slot.
	ErrSlotNotLive = errors.New("slot is not live")
)

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

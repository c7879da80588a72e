package phyapi

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/sched"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/ue"
)

// ToStatusError maps scheduler errors onto gRPC status codes for the PHY
// service.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, sched.ErrInvalidCC),
		errors.Is(err, sched.ErrInvalidRNTI),
		errors.Is(err, sched.ErrInvalidCellConfig),
		errors.Is(err, ue.ErrInvalidUEConfig),
		errors.Is(err, ue.ErrInvalidLCG),
		errors.Is(err, ue.ErrInvalidLCID):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, sched.ErrNotConfigured),
		errors.Is(err, sched.ErrSlotOutOfOrder):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, sched.ErrAlreadyConfigured):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, sched.ErrDeadlineMissed):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, sched.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

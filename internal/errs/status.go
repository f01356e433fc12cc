package errs

import (
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var kindCodes = map[Kind]codes.Code{
	KindFormat:            codes.InvalidArgument,
	KindDimension:         codes.FailedPrecondition,
	KindResource:          codes.ResourceExhausted,
	KindContextOverflow:   codes.OutOfRange,
	KindSampling:          codes.Aborted,
	KindUnsupportedFormat: codes.Unimplemented,
	KindCanceled:          codes.Canceled,
}

var codeSentinels = map[codes.Code]error{
	codes.InvalidArgument:    ErrCorruptFormat,
	codes.FailedPrecondition: ErrDimensionMismatch,
	codes.ResourceExhausted:  ErrInsufficientMemory,
	codes.OutOfRange:         ErrContextOverflow,
	codes.Aborted:            ErrInvalidDistribution,
	codes.Unimplemented:      ErrUnsupportedFormat,
}

// ToStatus converts err into a gRPC status error. The stage is carried as a
// message prefix so FromStatus can restore it.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && KindOf(err) == KindUnknown {
		return err
	}
	code, ok := kindCodes[KindOf(err)]
	if !ok {
		code = codes.Internal
	}
	stage := StageOf(err)
	if stage == "" {
		stage = StageTransport
	}
	return status.Error(code, string(stage)+"|"+err.Error())
}

// FromStatus reverses ToStatus. Errors that did not originate from ToStatus are
// reported as transport failures.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	// readers wrap the status; take it as sent so its message stays intact
	var se interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &se) {
		return New(StageTransport, "", err)
	}
	st := se.GRPCStatus()
	if st.Code() == codes.Canceled {
		return &Error{Stage: StageTransport, Kind: KindCanceled, Err: err}
	}
	stage, msg := StageTransport, st.Message()
	if i := strings.IndexByte(msg, '|'); i > 0 {
		stage, msg = Stage(msg[:i]), msg[i+1:]
	}
	cause := errors.New(msg)
	if s, ok := codeSentinels[st.Code()]; ok {
		cause = &wrapped{msg: msg, sentinel: s}
	}
	return &Error{Stage: stage, Kind: KindOf(cause), Err: cause}
}

type wrapped struct {
	msg      string
	sentinel error
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.sentinel }

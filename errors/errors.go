package errors

import (
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// Domain is reported in the ErrorInfo detail of every status built from an Error.
	Domain = "healthd.kanengo.github.com"

	UnknownCode   = int32(codes.Unknown)
	UnknownReason = ""
)

type Status struct {
	Code     int32
	Reason   string
	Message  string
	Metadata map[string]string
}

type Error struct {
	Status
	cause error
}

func New(code int32, reason, message string) *Error {
	return &Error{
		Status: Status{
			Code:    code,
			Reason:  reason,
			Message: message,
		},
	}
}

func Newf(code int32, reason, format string, a ...any) *Error {
	return New(code, reason, fmt.Sprintf(format, a...))
}

func (e *Error) Error() string {
	return fmt.Sprintf("error: code = %s reason = %s message = %s metadata = %v cause = %v",
		codes.Code(e.Code), e.Reason, e.Message, e.Metadata, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches on code and reason so that copies made by WithCause and
// WithMetadata still compare equal to the sentinel they came from.
func (e *Error) Is(err error) bool {
	if se := new(Error); errors.As(err, &se) {
		return se.Code == e.Code && se.Reason == e.Reason
	}
	return false
}

func (e *Error) WithCause(cause error) *Error {
	err := clone(e)
	err.cause = cause
	return err
}

func (e *Error) WithMetadata(md map[string]string) *Error {
	err := clone(e)
	err.Metadata = md
	return err
}

func (e *Error) GRPCStatus() *status.Status {
	s, err := status.New(codes.Code(e.Code), e.Message).WithDetails(&errdetails.ErrorInfo{
		Reason:   e.Reason,
		Domain:   Domain,
		Metadata: e.Metadata,
	})
	if err != nil {
		return status.New(codes.Code(e.Code), e.Message)
	}
	return s
}

func clone(e *Error) *Error {
	if e == nil {
		return nil
	}
	md := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		md[k] = v
	}
	return &Error{
		cause: e.cause,
		Status: Status{
			Code:     e.Code,
			Reason:   e.Reason,
			Message:  e.Message,
			Metadata: md,
		},
	}
}

func Code(err error) int32 {
	if err == nil {
		return int32(codes.OK)
	}
	return FromError(err).Code
}

func Reason(err error) string {
	if err == nil {
		return UnknownReason
	}
	return FromError(err).Reason
}

func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	if se := new(Error); errors.As(err, &se) {
		return se
	}
	gs, ok := status.FromError(err)
	if !ok {
		return New(UnknownCode, UnknownReason, err.Error())
	}

	ret := New(int32(gs.Code()), UnknownReason, gs.Message())
	for _, detail := range gs.Details() {
		switch d := detail.(type) {
		case *errdetails.ErrorInfo:
			ret.Reason = d.Reason
			return ret.WithMetadata(d.Metadata)
		}
	}

	return ret
}

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

package errors

import "google.golang.org/grpc/codes"

func BadRequest(reason, message string) *Error {
	return New(int32(codes.InvalidArgument), reason, message)
}

func NotFound(reason, message string) *Error {
	return New(int32(codes.NotFound), reason, message)
}

func IsNotFound(err error) bool {
	return Code(err) == int32(codes.NotFound)
}

func Internal(reason, message string) *Error {
	return New(int32(codes.Internal), reason, message)
}

func IsInternal(err error) bool {
	return Code(err) == int32(codes.Internal)
}

func ResourceExhausted(reason, message string) *Error {
	return New(int32(codes.ResourceExhausted), reason, message)
}

func ServiceUnavailable(reason, message string) *Error {
	return New(int32(codes.Unavailable), reason, message)
}

func IsServiceUnavailable(err error) bool {
	return Code(err) == int32(codes.Unavailable)
}

package health

import (
	"strings"

	"github.com/kanengo/healthd/errors"
	"google.golang.org/grpc/health/grpc_health_v1"
)

type Status = grpc_health_v1.HealthCheckResponse_ServingStatus

const (
	Unknown        = grpc_health_v1.HealthCheckResponse_UNKNOWN
	Serving        = grpc_health_v1.HealthCheckResponse_SERVING
	NotServing     = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	ServiceUnknown = grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
)

// ParseStatus accepts the protocol enum names, case insensitive.
func ParseStatus(s string) (Status, error) {
	v, ok := grpc_health_v1.HealthCheckResponse_ServingStatus_value[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return Unknown, ErrInvalidStatus.WithMetadata(map[string]string{"status": s})
	}
	return Status(v), nil
}

// Event describes one status transition.
type Event struct {
	Service string
	Status  Status
}

var (
	ErrNotFound      = errors.NotFound("SERVICE_NOT_FOUND", "service is not registered")
	ErrClosed        = errors.Internal("HEALTH_CLOSED", "unable to check status of services")
	ErrLagged        = errors.ResourceExhausted("WATCHER_LAGGED", "watcher fell too far behind status changes")
	ErrShuttingDown  = errors.ServiceUnavailable("HEALTH_SHUTTING_DOWN", "health service shutting down")
	ErrInvalidStatus = errors.BadRequest("INVALID_STATUS", "unknown serving status")
)

func notFound(service string) error {
	return ErrNotFound.WithMetadata(map[string]string{"service": service})
}

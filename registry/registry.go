package registry

import (
	"context"
)

// Registrar announces a running instance.
type Registrar interface {
	Register(ctx context.Context, ins *ServiceInstance) error
	DeRegister(ctx context.Context, ins *ServiceInstance) error
}

// Discovery lists the instances announced under a service name.
type Discovery interface {
	ListService(ctx context.Context, serviceName string) ([]*ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) (Watcher, error)
}

// Watcher yields the full instance list each time it changes.
type Watcher interface {
	Next() ([]*ServiceInstance, error)
	Stop() error
}

package registry

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

type ServiceInstance struct {
	ID string `json:"id"`

	Name string `json:"name"`

	Version string `json:"version"`

	Metadata map[string]string `json:"metadata"`

	// Endpoints are URLs such as "grpc://10.0.0.3:9000" and "http://10.0.0.3:9090".
	Endpoints []string `json:"endpoints"`
}

func (i *ServiceInstance) String() string {
	return fmt.Sprintf("%s.%s", i.Name, i.ID)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewInstanceID returns a new ULID. IDs created by one process sort in
// creation order.
func NewInstanceID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

package health

const (
	DefaultQueueSize = 10
	DefaultMaxLag    = 1024
)

type options struct {
	queueSize int
	maxLag    uint64

	// fail Watch with ErrNotFound for names that were never set
	requireRegistered bool
	// send the current status as the first message of every Watch
	initialStatus bool

	metrics *Metrics
}

type Option func(o *options)

// WithQueueSize sets the capacity of each watcher's delivery queue.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithMaxLag bounds how many events may be published while a watcher's queue
// is full before the watcher is failed with ErrLagged. Zero disables the bound.
func WithMaxLag(n uint64) Option {
	return func(o *options) { o.maxLag = n }
}

func WithRequireRegistered(require bool) Option {
	return func(o *options) { o.requireRegistered = require }
}

func WithInitialStatus(send bool) Option {
	return func(o *options) { o.initialStatus = send }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func newOptions(opts ...Option) options {
	o := options{
		queueSize:     DefaultQueueSize,
		maxLag:        DefaultMaxLag,
		initialStatus: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

package adapter

// Starter and Closer are the lifecycle of long running services such as the
// HTTP API.
type Starter interface {
	Start() error
}

type Closer interface {
	Close() error
}

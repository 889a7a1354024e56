package broker

import "context"

// MessageBroker is the intake side: task submissions can be published here by
// the task server and drained in batches by the scheduler, decoupling the HTTP
// surface from task-store writes.
type MessageBroker interface {
	Publish(queue string, message []byte) error
	Consume(ctx context.Context, queue string) (<-chan []byte, error)
	Close() error
}

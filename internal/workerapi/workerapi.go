// Package workerapi holds the client stubs and server handlers of the two
// interfaces spoken between the parent process and its media workers.
package workerapi

import (
	"context"

	"mediaq/internal/config"
	"mediaq/internal/ports"
	"mediaq/internal/rpc"
)

const (
	MethodHandleUploadedFile = "handleUploadedFile"
	MethodPurgeDeletedMedia  = "purgeDeletedMedia"
	MethodGetConfig          = "getConfig"
)

// WorkerMethods must be served by every worker process.
var WorkerMethods = []string{MethodHandleUploadedFile, MethodPurgeDeletedMedia}

// WorkerClient calls a worker, or the pool of workers, through c.
type WorkerClient struct {
	c rpc.Caller
}

var _ ports.MediaWorker = (*WorkerClient)(nil)

func NewWorkerClient(c rpc.Caller) *WorkerClient {
	return &WorkerClient{c: c}
}

func (w *WorkerClient) HandleUploadedFile(ctx context.Context, mediaID string) error {
	_, err := rpc.Invoke[string, rpc.Void](ctx, w.c, MethodHandleUploadedFile, mediaID)
	return err
}

func (w *WorkerClient) PurgeDeletedMedia(ctx context.Context) error {
	_, err := rpc.Invoke[rpc.Void, rpc.Void](ctx, w.c, MethodPurgeDeletedMedia, rpc.Void{})
	return err
}

// WorkerHandlers exposes impl to the parent.
func WorkerHandlers(impl ports.MediaWorker) rpc.Handlers {
	return rpc.Handlers{
		MethodHandleUploadedFile: rpc.Handle(func(ctx context.Context, mediaID string) (rpc.Void, error) {
			return rpc.Void{}, impl.HandleUploadedFile(ctx, mediaID)
		}),
		MethodPurgeDeletedMedia: rpc.Handle(func(ctx context.Context, _ rpc.Void) (rpc.Void, error) {
			return rpc.Void{}, impl.PurgeDeletedMedia(ctx)
		}),
	}
}

// ParentClient is used by a worker to call its parent.
type ParentClient struct {
	c rpc.Caller
}

var _ ports.ConfigSource = (*ParentClient)(nil)

func NewParentClient(c rpc.Caller) *ParentClient {
	return &ParentClient{c: c}
}

func (p *ParentClient) GetConfig(ctx context.Context) (config.TaskWorkerConfig, error) {
	return rpc.Invoke[rpc.Void, config.TaskWorkerConfig](ctx, p.c, MethodGetConfig, rpc.Void{})
}

// ParentHandlers exposes src to the workers.
func ParentHandlers(src ports.ConfigSource) rpc.Handlers {
	return rpc.Handlers{
		MethodGetConfig: rpc.Handle(func(ctx context.Context, _ rpc.Void) (config.TaskWorkerConfig, error) {
			return src.GetConfig(ctx)
		}),
	}
}

// StaticConfig serves the same configuration to every worker.
type StaticConfig config.TaskWorkerConfig

func (s StaticConfig) GetConfig(context.Context) (config.TaskWorkerConfig, error) {
	return config.TaskWorkerConfig(s), nil
}

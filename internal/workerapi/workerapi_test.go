package workerapi

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"mediaq/internal/config"
	"mediaq/internal/rpc"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWorker struct {
	mu      sync.Mutex
	handled []string
	purges  int
	failOn  string
}

func (r *recordingWorker) HandleUploadedFile(ctx context.Context, mediaID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mediaID == r.failOn {
		return errors.New("unsupported media type video/quicktime")
	}
	r.handled = append(r.handled, mediaID)
	return nil
}

func (r *recordingWorker) PurgeDeletedMedia(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purges++
	return nil
}

func connect(t *testing.T, parent, child rpc.Handlers) (*rpc.Channel, *rpc.Channel) {
	t.Helper()
	a, b := net.Pipe()
	p := rpc.NewChannel(a, parent, zerolog.Nop())
	c := rpc.NewChannel(b, child, zerolog.Nop())
	go func() { _ = p.Serve(context.Background()) }()
	go func() { _ = c.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = p.Close()
		_ = c.Close()
	})
	return p, c
}

func TestWorkerStubAndHandlers(t *testing.T) {
	impl := &recordingWorker{failOn: "clip"}
	p, _ := connect(t, nil, WorkerHandlers(impl))
	client := NewWorkerClient(p)
	ctx := context.Background()

	require.NoError(t, client.HandleUploadedFile(ctx, "m1"))
	require.NoError(t, client.PurgeDeletedMedia(ctx))

	err := client.HandleUploadedFile(ctx, "clip")
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, MethodHandleUploadedFile, remote.Method)
	assert.Contains(t, remote.Message, "unsupported media type")

	assert.Equal(t, []string{"m1"}, impl.handled)
	assert.Equal(t, 1, impl.purges)

	methods, err := p.Hello(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, WorkerMethods, methods)
}

func TestParentStubAndHandlers(t *testing.T) {
	want := config.TaskWorkerConfig{
		DatabaseURL:   "postgres://mediaq@db/mediaq",
		UploadDir:     "/data/uploads",
		ThumbnailDir:  "/data/thumbnails",
		ThumbnailSize: 256,
		LogLevel:      "debug",
	}
	_, c := connect(t, ParentHandlers(StaticConfig(want)), nil)

	got, err := NewParentClient(c).GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Descriptors of the IPC pipes inside the child. Descriptors 0-2 keep
// their usual meaning so the child can log to stderr.
const (
	childReadFD  = 3
	childWriteFD = 4
)

// ExecFork returns a ForkFunc that starts path with args and attaches the
// message pipes as extra file descriptors.
func ExecFork(path string, args []string, env []string) ForkFunc {
	return func(ctx context.Context) (Child, error) {
		// parent -> child
		childIn, parentOut, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("pipe: %w", err)
		}
		// child -> parent
		parentIn, childOut, err := os.Pipe()
		if err != nil {
			_ = childIn.Close()
			_ = parentOut.Close()
			return nil, fmt.Errorf("pipe: %w", err)
		}

		cmd := exec.Command(path, args...)
		cmd.Env = append(os.Environ(), env...)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		cmd.ExtraFiles = []*os.File{childIn, childOut}

		err = cmd.Start()
		// the child holds its own copies now
		_ = childIn.Close()
		_ = childOut.Close()
		if err != nil {
			_ = parentIn.Close()
			_ = parentOut.Close()
			return nil, fmt.Errorf("start %s: %w", path, err)
		}

		c := &execChild{
			cmd:  cmd,
			conn: &pipeConn{r: parentIn, w: parentOut},
			done: make(chan struct{}),
		}
		go c.reap()
		return c, nil
	}
}

type execChild struct {
	cmd  *exec.Cmd
	conn *pipeConn

	err  error
	done chan struct{}
}

func (c *execChild) reap() {
	c.err = c.cmd.Wait()
	_ = c.conn.Close()
	close(c.done)
}

func (c *execChild) Conn() io.ReadWriteCloser { return c.conn }

func (c *execChild) Pid() int { return c.cmd.Process.Pid }

func (c *execChild) Terminate() error {
	err := c.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (c *execChild) Kill() error {
	err := c.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (c *execChild) Wait() error {
	<-c.done
	return c.err
}

// ChildConn opens the message pipes inherited from the parent. It must be
// called from a process started by ExecFork.
func ChildConn() (io.ReadWriteCloser, error) {
	r := os.NewFile(childReadFD, "ipc-in")
	w := os.NewFile(childWriteFD, "ipc-out")
	if r == nil || w == nil {
		return nil, errors.New("process: ipc descriptors are not available")
	}
	return &pipeConn{r: r, w: w}, nil
}

type pipeConn struct {
	r *os.File
	w *os.File

	once sync.Once
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeConn) Close() error {
	var err error
	p.once.Do(func() {
		err = errors.Join(p.w.Close(), p.r.Close())
	})
	return err
}

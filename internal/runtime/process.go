package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/casonadams/minerva/internal/config"
	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/logger"
)

// StartTimeout bounds how long a spawned runtime may take to announce its
// address.
var StartTimeout = 30 * time.Second

// Announce writes the line Spawn waits for. Runtime processes call it once
// their server listens.
func Announce(w io.Writer, addr string) error {
	_, err := fmt.Fprintf(w, "%s%s\n", AddrPrefix, addr)
	return err
}

// Process is a runtime child process.
type Process struct {
	cmd  *exec.Cmd
	addr string
	done chan struct{}
	err  error
}

// Spawn starts binary and waits for it to announce its listen address.
func Spawn(ctx context.Context, binary string, args ...string) (*Process, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.New(errs.StageTransport, "spawn "+binary, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.New(errs.StageTransport, "spawn "+binary, err)
	}
	p := &Process{cmd: cmd, done: make(chan struct{})}

	addrCh := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(stdout)
		announced := false
		for sc.Scan() {
			line := sc.Text()
			if !announced && strings.HasPrefix(line, AddrPrefix) {
				announced = true
				addrCh <- strings.TrimSpace(strings.TrimPrefix(line, AddrPrefix))
				continue
			}
			logger.Log.Debug("Runtime output", "pid", cmd.Process.Pid, "line", line)
		}
		// keep reading so the child never blocks on a full pipe
		io.Copy(io.Discard, stdout)
		p.err = cmd.Wait()
		close(p.done)
	}()

	timer := time.NewTimer(StartTimeout)
	defer timer.Stop()
	select {
	case p.addr = <-addrCh:
		logger.Log.Info("Runtime started", "binary", binary, "pid", cmd.Process.Pid, "addr", p.addr)
		return p, nil
	case <-p.done:
		return nil, errs.New(errs.StageTransport, "spawn "+binary,
			fmt.Errorf("exited before announcing an address: %v", p.err))
	case <-timer.C:
		p.Stop()
		return nil, errs.New(errs.StageTransport, "spawn "+binary,
			fmt.Errorf("no address announced within %s", StartTimeout))
	case <-ctx.Done():
		p.Stop()
		return nil, errs.New(errs.StageTransport, "spawn "+binary, ctx.Err())
	}
}

func (p *Process) Addr() string { return p.addr }

func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Stop interrupts the child and kills it if it has not exited within five
// seconds.
func (p *Process) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}

// Connector hands out one shared Client for the external runtime named in
// the runtime config, dialing or spawning it on first use.
type Connector struct {
	endpoint string
	binary   string
	args     []string

	mu     sync.Mutex
	client *Client
	proc   *Process
}

func NewConnector(rt config.Runtime) *Connector {
	return &Connector{endpoint: rt.ExternalEndpoint, binary: rt.ExternalBinary, args: rt.ExternalArgs}
}

// Configured reports whether an external runtime is available at all.
func (c *Connector) Configured() bool {
	return c != nil && (c.endpoint != "" || c.binary != "")
}

func (c *Connector) Client(ctx context.Context) (*Client, error) {
	if !c.Configured() {
		return nil, errs.Newf(errs.StageTransport, errs.ErrUnsupportedFormat, "no external runtime configured")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	addr := c.endpoint
	if addr == "" {
		p, err := Spawn(ctx, c.binary, c.args...)
		if err != nil {
			return nil, err
		}
		c.proc, addr = p, p.Addr()
	}
	cl, err := Dial(ctx, addr)
	if err != nil {
		if c.proc != nil {
			c.proc.Stop()
			c.proc = nil
		}
		return nil, err
	}
	c.client = cl
	return cl, nil
}

// Close drops the client and stops a spawned runtime.
func (c *Connector) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var errList []error
	if c.client != nil {
		errList = append(errList, c.client.Close())
		c.client = nil
	}
	if c.proc != nil {
		errList = append(errList, c.proc.Stop())
		c.proc = nil
	}
	return errors.Join(errList...)
}

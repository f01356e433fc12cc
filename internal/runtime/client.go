package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/casonadams/minerva/internal/engine"
	"github.com/casonadams/minerva/internal/errs"
)

// Client talks to a runtime Server. It is safe for concurrent use.
type Client struct {
	addr   string
	client flight.Client
	mem    memory.Allocator
}

// Dial connects to addr and checks the protocol version.
func Dial(ctx context.Context, addr string) (*Client, error) {
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errs.New(errs.StageTransport, "dial "+addr, err)
	}
	c := &Client{addr: addr, client: fc, mem: memory.NewGoAllocator()}
	var pong pingResult
	if err := c.action(ctx, ActionPing, struct{}{}, &pong); err != nil {
		fc.Close()
		return nil, err
	}
	if pong.Version != Version {
		fc.Close()
		return nil, errs.New(errs.StageTransport, "dial "+addr,
			fmt.Errorf("runtime speaks protocol %q, want %q", pong.Version, Version))
	}
	return c, nil
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) action(ctx context.Context, typ string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("runtime: encode %s: %w", typ, err)
	}
	stream, err := c.client.DoAction(ctx, &flight.Action{Type: typ, Body: body})
	if err != nil {
		return errs.FromStatus(err)
	}
	res, err := stream.Recv()
	if err != nil {
		return errs.FromStatus(err)
	}
	// drain so the call completes cleanly
	for {
		if _, err := stream.Recv(); err != nil {
			if !errors.Is(err, io.EOF) {
				return errs.FromStatus(err)
			}
			break
		}
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(res.Body, resp); err != nil {
		return errs.New(errs.StageTransport, typ, err)
	}
	return nil
}

// Load makes the runtime load model and returns its resident size.
func (c *Client) Load(ctx context.Context, model string) (int64, error) {
	var r loadResult
	err := c.action(ctx, ActionLoad, modelBody{Model: model}, &r)
	return r.SizeBytes, err
}

func (c *Client) Unload(ctx context.Context, model string) (bool, error) {
	var r loadedResult
	err := c.action(ctx, ActionUnload, modelBody{Model: model}, &r)
	return r.Loaded, err
}

func (c *Client) IsLoaded(ctx context.Context, model string) (bool, error) {
	var r loadedResult
	err := c.action(ctx, ActionIsLoaded, modelBody{Model: model}, &r)
	return r.Loaded, err
}

func (c *Client) Tokenize(ctx context.Context, model, text string) ([]int, error) {
	var r tokensResult
	err := c.action(ctx, ActionTokenize, tokenizeBody{Model: model, Text: text}, &r)
	return r.Tokens, err
}

func (c *Client) Detokenize(ctx context.Context, model string, ids []int) (string, error) {
	var r textResult
	err := c.action(ctx, ActionDetokenize, detokenizeBody{Model: model, Tokens: ids}, &r)
	return r.Text, err
}

// Generate starts a remote generation. Errors raised before the first
// fragment are returned here; later ones surface through the stream.
func (c *Client) Generate(ctx context.Context, model string, req engine.Request) (engine.Stream, error) {
	ticket, err := json.Marshal(generateTicket{Model: model, Request: req})
	if err != nil {
		return nil, fmt.Errorf("runtime: encode ticket: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: ticket})
	if err != nil {
		cancel()
		return nil, errs.FromStatus(err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		cancel()
		return nil, errs.FromStatus(err)
	}
	if !rdr.Schema().Equal(streamSchema) {
		rdr.Release()
		cancel()
		return nil, errs.New(errs.StageTransport, "generate", fmt.Errorf("unexpected stream schema %s", rdr.Schema()))
	}
	return &remoteStream{rdr: rdr, cancel: cancel}, nil
}

// remoteStream adapts a Flight record stream to engine.Stream.
type remoteStream struct {
	rdr    *flight.Reader
	cancel context.CancelFunc
	rec    arrow.Record
	row    int

	token  int
	frag   string
	err    error
	reason engine.FinishReason
	done   bool
	closed bool
}

func (r *remoteStream) Next() bool {
	r.frag = ""
	for !r.done {
		if r.rec != nil && r.row < int(r.rec.NumRows()) {
			i := r.row
			r.row++
			r.token = int(r.rec.Column(0).(*array.Int32).Value(i))
			// the record's buffers are reused once the reader advances
			text := strings.Clone(r.rec.Column(1).(*array.String).Value(i))
			if finish := r.rec.Column(2).(*array.String).Value(i); finish != "" {
				r.reason = engine.FinishReason(strings.Clone(finish))
				r.done = true
				r.release()
				return false
			}
			if text == "" {
				continue
			}
			r.frag = text
			return true
		}
		if !r.rdr.Next() {
			r.done = true
			if err := r.rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
				r.err = errs.FromStatus(err)
			} else {
				r.err = errs.New(errs.StageTransport, "generate", io.ErrUnexpectedEOF)
			}
			r.reason = engine.FinishError
			if errs.KindOf(r.err) == errs.KindCanceled {
				r.reason = engine.FinishCanceled
			}
			r.release()
			return false
		}
		r.rec, r.row = r.rdr.Record(), 0
	}
	return false
}

func (r *remoteStream) Fragment() string                  { return r.frag }
func (r *remoteStream) Token() int                        { return r.token }
func (r *remoteStream) Err() error                        { return r.err }
func (r *remoteStream) FinishReason() engine.FinishReason { return r.reason }

// Close abandons the stream; the server sees the cancellation and releases
// its session.
func (r *remoteStream) Close() error {
	if !r.done {
		r.done = true
		r.reason = engine.FinishCanceled
	}
	r.release()
	return nil
}

// release drops the reader and its call once the stream has ended.
func (r *remoteStream) release() {
	if r.closed {
		return
	}
	r.closed = true
	r.rec = nil
	r.cancel()
	r.rdr.Release()
}

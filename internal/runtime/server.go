package runtime

import (
	"context"
	"fmt"
	"net"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	json "github.com/goccy/go-json"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/casonadams/minerva/internal/engine"
	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/logger"
)

// Host is what a Server exposes. Models are addressed by the id the host
// resolves.
type Host interface {
	Load(ctx context.Context, model string) (int64, error)
	Unload(model string) bool
	IsLoaded(model string) bool
	Tokenize(ctx context.Context, model, text string) ([]int, error)
	Detokenize(ctx context.Context, model string, ids []int) (string, error)
	Generate(ctx context.Context, model string, req engine.Request) (engine.Stream, error)
}

// Server is the Flight service in front of a Host.
type Server struct {
	flight.BaseFlightServer

	host Host
	srv  flight.Server
	mem  memory.Allocator
	log  *logger.Logger
}

func NewServer(host Host) *Server {
	s := &Server{
		host: host,
		mem:  memory.NewGoAllocator(),
		log:  logger.Log.With("component", "runtime"),
	}
	s.srv = flight.NewServerWithMiddleware(nil)
	s.srv.RegisterFlightService(s)
	return s
}

// Listen binds addr; use port 0 for an ephemeral port.
func (s *Server) Listen(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("runtime: listen %s: %w", addr, err)
	}
	s.srv.InitListener(lis)
	s.log.Info("Runtime listening", "addr", lis.Addr().String())
	return lis.Addr(), nil
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	return s.srv.Serve()
}

func (s *Server) Shutdown() {
	s.srv.Shutdown()
}

func (s *Server) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	actions := []struct{ typ, desc string }{
		{ActionPing, "report the protocol version"},
		{ActionLoad, "load a model into the cache"},
		{ActionUnload, "drop a model from the cache"},
		{ActionIsLoaded, "report whether a model is resident"},
		{ActionTokenize, "encode text with a model's tokenizer"},
		{ActionDetokenize, "decode token ids with a model's tokenizer"},
	}
	for _, a := range actions {
		if err := stream.Send(&flight.ActionType{Type: a.typ, Description: a.desc}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	out, err := s.action(stream.Context(), action.Type, action.Body)
	if err != nil {
		s.log.Debug("Action failed", "action", action.Type, "error", err)
		return errs.ToStatus(err)
	}
	body, err := json.Marshal(out)
	if err != nil {
		return status.Errorf(codes.Internal, "encode %s result: %v", action.Type, err)
	}
	return stream.Send(&flight.Result{Body: body})
}

func (s *Server) action(ctx context.Context, typ string, body []byte) (any, error) {
	decode := func(v any) error {
		if err := json.Unmarshal(body, v); err != nil {
			return status.Errorf(codes.InvalidArgument, "decode %s body: %v", typ, err)
		}
		return nil
	}
	switch typ {
	case ActionPing:
		return pingResult{Version: Version}, nil
	case ActionLoad:
		var b modelBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		size, err := s.host.Load(ctx, b.Model)
		return loadResult{SizeBytes: size}, err
	case ActionUnload:
		var b modelBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		return loadedResult{Loaded: s.host.Unload(b.Model)}, nil
	case ActionIsLoaded:
		var b modelBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		return loadedResult{Loaded: s.host.IsLoaded(b.Model)}, nil
	case ActionTokenize:
		var b tokenizeBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		ids, err := s.host.Tokenize(ctx, b.Model, b.Text)
		return tokensResult{Tokens: ids}, err
	case ActionDetokenize:
		var b detokenizeBody
		if err := decode(&b); err != nil {
			return nil, err
		}
		text, err := s.host.Detokenize(ctx, b.Model, b.Tokens)
		return textResult{Text: text}, err
	}
	return nil, status.Errorf(codes.Unimplemented, "unknown action %q", typ)
}

// DoGet runs one generation and streams its fragments.
func (s *Server) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	var t generateTicket
	if err := json.Unmarshal(tkt.Ticket, &t); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode ticket: %v", err)
	}
	gen, err := s.host.Generate(stream.Context(), t.Model, t.Request)
	if err != nil {
		return errs.ToStatus(err)
	}
	defer gen.Close()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(streamSchema), ipc.WithAllocator(s.mem))
	defer w.Close()
	b := array.NewRecordBuilder(s.mem, streamSchema)
	defer b.Release()

	rows := 0
	for gen.Next() {
		if err := s.writeRow(w, b, gen.Token(), gen.Fragment(), ""); err != nil {
			return err
		}
		rows++
	}
	if err := gen.Err(); err != nil {
		s.log.Debug("Generation failed", "model", t.Model, "fragments", rows, "error", err)
		return errs.ToStatus(err)
	}
	return s.writeRow(w, b, gen.Token(), "", string(gen.FinishReason()))
}

func (s *Server) writeRow(w *flight.Writer, b *array.RecordBuilder, token int, text, finish string) error {
	b.Field(0).(*array.Int32Builder).Append(int32(token))
	b.Field(1).(*array.StringBuilder).Append(text)
	b.Field(2).(*array.StringBuilder).Append(finish)
	rec := b.NewRecord()
	defer rec.Release()
	return w.Write(rec)
}

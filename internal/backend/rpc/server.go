package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"shapesmith/internal/backend"
	"shapesmith/internal/logging"
	"shapesmith/internal/types"
)

// Server exposes local engines to remote clients. Sessions opened over a
// connection are closed when that connection drops.
type Server struct {
	engines map[types.Paradigm]backend.Adapter

	mu       sync.Mutex
	sessions map[string]*serverSession
	conns    map[*jsonrpc2.Conn]struct{}
}

type serverSession struct {
	session backend.Session
	owner   *jsonrpc2.Conn
}

// NewServer serves the given engines, one per paradigm.
func NewServer(engines ...backend.Adapter) *Server {
	s := &Server{
		engines:  make(map[types.Paradigm]backend.Adapter, len(engines)),
		sessions: make(map[string]*serverSession),
		conns:    make(map[*jsonrpc2.Conn]struct{}),
	}
	for _, e := range engines {
		s.engines[e.Paradigm()] = e
	}
	return s
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()
	logging.Backend("engine server listening on %s", lis.Addr())

	for {
		nc, err := lis.Accept()
		if err != nil {
			s.closeAll()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		stream := jsonrpc2.NewBufferedStream(nc, jsonrpc2.VSCodeObjectCodec{})
		conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle)))

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go func() {
			<-conn.DisconnectNotify()
			s.drop(conn)
		}()
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*jsonrpc2.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// drop closes every session owned by conn.
func (s *Server) drop(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	var owned []backend.Session
	for id, ss := range s.sessions {
		if ss.owner == conn {
			owned = append(owned, ss.session)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range owned {
		if err := sess.Close(context.Background()); err != nil {
			logging.BackendWarn("closing orphaned session %s: %v", sess.ID(), err)
		}
	}
}

func decode(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (s *Server) lookup(id string) (backend.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[id]
	if !ok {
		return nil, &jsonrpc2.Error{Code: CodeBackend, Message: fmt.Sprintf("unknown session %s", id)}
	}
	return ss.session, nil
}

func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	logging.BackendDebug("rpc %s", req.Method)
	switch req.Method {
	case MethodOpen:
		var p openParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		engine, ok := s.engines[p.Paradigm]
		if !ok || !engine.Available() {
			return nil, &jsonrpc2.Error{Code: CodeBackend, Message: fmt.Sprintf("no engine for paradigm %s", p.Paradigm)}
		}
		sess, err := engine.Connect(ctx)
		if err != nil {
			return nil, toWire(err)
		}
		s.mu.Lock()
		s.sessions[sess.ID()] = &serverSession{session: sess, owner: conn}
		s.mu.Unlock()
		return openResult{Session: sess.ID(), Backend: engine.Name()}, nil

	case MethodCreateOrUpdate:
		var p createParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		sess, err := s.lookup(p.Session)
		if err != nil {
			return nil, err
		}
		h, err := sess.CreateOrUpdate(ctx, p.Request)
		if err != nil {
			return nil, toWire(err)
		}
		return h, nil

	case MethodExport:
		var p exportParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		sess, err := s.lookup(p.Session)
		if err != nil {
			return nil, err
		}
		ref, err := sess.Export(ctx, p.Handles, p.Format)
		if err != nil {
			return nil, toWire(err)
		}
		return ref, nil

	case MethodClose:
		var p closeParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		ss, ok := s.sessions[p.Session]
		delete(s.sessions, p.Session)
		s.mu.Unlock()
		if !ok {
			return true, nil
		}
		if err := ss.session.Close(ctx); err != nil && !errors.Is(err, backend.ErrSessionClosed) {
			return nil, toWire(err)
		}
		return true, nil

	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

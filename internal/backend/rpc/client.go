package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"shapesmith/internal/backend"
	"shapesmith/internal/logging"
	"shapesmith/internal/types"
)

// ClientConfig describes one remote engine.
type ClientConfig struct {
	Name        string
	Addr        string
	Paradigm    types.Paradigm
	DialTimeout time.Duration
}

// Client is a backend.Adapter for a remote engine.
type Client struct {
	config ClientConfig
}

// NewClient creates an adapter. No connection is made until Connect.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Name == "" {
		cfg.Name = "rpc-" + string(cfg.Paradigm)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &Client{config: cfg}
}

func (c *Client) Name() string            { return c.config.Name }
func (c *Client) Paradigm() types.Paradigm { return c.config.Paradigm }

// Available probes the engine address.
func (c *Client) Available() bool {
	conn, err := net.DialTimeout("tcp", c.config.Addr, c.config.DialTimeout)
	if err != nil {
		logging.BackendDebug("%s unavailable at %s: %v", c.config.Name, c.config.Addr, err)
		return false
	}
	conn.Close()
	return true
}

// Connect dials the engine and opens a session on it.
func (c *Client) Connect(ctx context.Context) (backend.Session, error) {
	d := net.Dialer{Timeout: c.config.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", c.config.Addr)
	if err != nil {
		return nil, &types.BackendError{Backend: c.config.Name, Op: "connect", Transient: true, Err: err}
	}

	stream := jsonrpc2.NewBufferedStream(nc, jsonrpc2.VSCodeObjectCodec{})
	handler := jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "client accepts no requests"}
	})
	conn := jsonrpc2.NewConn(context.Background(), stream, handler)

	var res openResult
	if err := conn.Call(ctx, MethodOpen, openParams{Paradigm: c.config.Paradigm}, &res); err != nil {
		conn.Close()
		return nil, fromWire(c.config.Name, "connect", err)
	}
	logging.Backend("%s: session %s opened on %s (%s)", c.config.Name, res.Session, c.config.Addr, res.Backend)
	return &clientSession{id: res.Session, name: c.config.Name, conn: conn}, nil
}

type clientSession struct {
	id   string
	name string
	conn *jsonrpc2.Conn
}

func (s *clientSession) ID() string { return s.id }

func (s *clientSession) CreateOrUpdate(ctx context.Context, req backend.CreateRequest) (*types.ObjectHandle, error) {
	var h types.ObjectHandle
	if err := s.conn.Call(ctx, MethodCreateOrUpdate, createParams{Session: s.id, Request: req}, &h); err != nil {
		return nil, fromWire(s.name, "create_or_update", err)
	}
	return &h, nil
}

func (s *clientSession) Export(ctx context.Context, handles []types.ObjectHandle, format string) (types.ArtifactRef, error) {
	var ref types.ArtifactRef
	if err := s.conn.Call(ctx, MethodExport, exportParams{Session: s.id, Handles: handles, Format: format}, &ref); err != nil {
		return types.ArtifactRef{}, fromWire(s.name, "export", err)
	}
	return ref, nil
}

func (s *clientSession) Close(ctx context.Context) error {
	var ok bool
	callErr := s.conn.Call(ctx, MethodClose, closeParams{Session: s.id}, &ok)
	if err := s.conn.Close(); err != nil && err != jsonrpc2.ErrClosed {
		logging.BackendWarn("%s: closing connection: %v", s.name, err)
	}
	if callErr != nil && callErr != jsonrpc2.ErrClosed {
		return fmt.Errorf("close session %s: %w", s.id, fromWire(s.name, "close", callErr))
	}
	return nil
}

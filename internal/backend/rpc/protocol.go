// Package rpc connects to remote geometry engines over JSON-RPC 2.0 on TCP,
// using the VSCode header framing.
package rpc

import (
	"errors"

	"github.com/sourcegraph/jsonrpc2"

	"shapesmith/internal/backend"
	"shapesmith/internal/types"
)

// Method names.
const (
	MethodOpen           = "session.open"
	MethodCreateOrUpdate = "geometry.create_or_update"
	MethodExport         = "geometry.export"
	MethodClose          = "session.close"
)

// Engine error codes, outside the range reserved by JSON-RPC.
const (
	CodeTransient int64 = -32001
	CodeBackend   int64 = -32002
)

type openParams struct {
	Paradigm types.Paradigm `json:"paradigm"`
}

type openResult struct {
	Session string `json:"session"`
	Backend string `json:"backend"`
}

type createParams struct {
	Session string                `json:"session"`
	Request backend.CreateRequest `json:"request"`
}

type exportParams struct {
	Session string               `json:"session"`
	Handles []types.ObjectHandle `json:"handles"`
	Format  string               `json:"format"`
}

type closeParams struct {
	Session string `json:"session"`
}

// toWire converts an engine error into a JSON-RPC error that keeps the
// transient flag.
func toWire(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	code := CodeBackend
	if types.IsTransient(err) {
		code = CodeTransient
	}
	return &jsonrpc2.Error{Code: code, Message: err.Error()}
}

// fromWire converts a call failure into a BackendError. Transport failures
// are transient.
func fromWire(name, op string, err error) error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return &types.BackendError{
			Backend:   name,
			Op:        op,
			Transient: rpcErr.Code == CodeTransient,
			Err:       errors.New(rpcErr.Message),
		}
	}
	return &types.BackendError{Backend: name, Op: op, Transient: true, Err: err}
}

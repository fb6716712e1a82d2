package connector

import (
	"github.com/sqlbridge/sqlbridge/internal/proto"
	"github.com/sqlbridge/sqlbridge/internal/trace"
)

// ErrorCallback receives a server-side error from a sub-processor.
type ErrorCallback func(*proto.SQLError)

// Subprocessors builds the protocol sub-processors the lazy connector
// pushes on the stack. The default implementation speaks the wire
// protocol; tests substitute scripted fakes.
type Subprocessors interface {
	Connect(c *Conn, onError ErrorCallback, parent *trace.Span) Processor
	ServerGreetor(c *Conn, inHandshake bool, onError ErrorCallback, parent *trace.Span) Processor
	ChangeUser(c *Conn, inHandshake bool, onError ErrorCallback, parent *trace.Span) Processor
	ResetConnection(c *Conn, parent *trace.Span) Processor
	SetOption(c *Conn, op uint16, onError ErrorCallback) Processor
	InitSchema(c *Conn, schema string, onError ErrorCallback) Processor
	Query(c *Conn, stmt string, handler QueryHandler) Processor
	Quit(c *Conn) Processor
	RequiredAttributes(c *Conn, out *RequiredAttributesResult) Processor
}

// wireSubprocessors is the production Subprocessors implementation.
type wireSubprocessors struct{}

func (wireSubprocessors) Connect(c *Conn, onError ErrorCallback, parent *trace.Span) Processor {
	return &connectProcessor{conn: c, onError: onError, parent: parent}
}

func (wireSubprocessors) ServerGreetor(c *Conn, inHandshake bool, onError ErrorCallback, parent *trace.Span) Processor {
	return &serverGreetorProcessor{conn: c, inHandshake: inHandshake, onError: onError, parent: parent}
}

func (wireSubprocessors) ChangeUser(c *Conn, inHandshake bool, onError ErrorCallback, parent *trace.Span) Processor {
	return &changeUserProcessor{conn: c, inHandshake: inHandshake, onError: onError, parent: parent}
}

func (wireSubprocessors) ResetConnection(c *Conn, parent *trace.Span) Processor {
	return &resetConnectionProcessor{conn: c, parent: parent}
}

func (wireSubprocessors) SetOption(c *Conn, op uint16, onError ErrorCallback) Processor {
	return &setOptionProcessor{conn: c, op: op, onError: onError}
}

func (wireSubprocessors) InitSchema(c *Conn, schema string, onError ErrorCallback) Processor {
	return &initSchemaProcessor{conn: c, schema: schema, onError: onError}
}

func (wireSubprocessors) Query(c *Conn, stmt string, handler QueryHandler) Processor {
	return &queryProcessor{conn: c, stmt: stmt, handler: handler}
}

func (wireSubprocessors) Quit(c *Conn) Processor {
	return &quitProcessor{conn: c}
}

func (wireSubprocessors) RequiredAttributes(c *Conn, out *RequiredAttributesResult) Processor {
	return newRequiredAttributesProcessor(c, out)
}

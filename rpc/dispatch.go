package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request is an inbound call as seen by a handler.
type Request struct {
	ID      string
	Type    string
	Payload json.RawMessage
	Blobs   [][]byte
}

// Decode unmarshals the payload into out.
func (r *Request) Decode(out any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return &ProtocolError{Message: fmt.Sprintf("decoding %q payload: %s", r.Type, err)}
	}
	return nil
}

// Response is what a handler answers with. A nil *Response is sent as a null payload.
type Response struct {
	Payload any
	Blobs   [][]byte
}

// Respond builds a response with the given payload and attachments.
func Respond(payload any, blobs ...[]byte) *Response {
	return &Response{Payload: payload, Blobs: blobs}
}

type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

type route struct {
	handler HandlerFunc
	schema  *gojsonschema.Schema
}

type RouteOption func(r *route)

// WithSchema validates request payloads against a JSON schema before the handler runs.
// It panics if the schema does not compile.
func WithSchema(schema string) RouteOption {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("compiling request schema: %s", err))
	}
	return func(r *route) {
		r.schema = compiled
	}
}

// DispatchTable maps request types to handlers. It is filled once, before it is handed to a Server,
// and only read afterwards.
type DispatchTable struct {
	routes map[string]*route
}

func NewDispatchTable() *DispatchTable {
	return &DispatchTable{routes: map[string]*route{}}
}

// Handle registers fn for requests of type typ, replacing any previous handler.
func (d *DispatchTable) Handle(typ string, fn HandlerFunc, opts ...RouteOption) *DispatchTable {
	r := &route{handler: fn}
	for _, o := range opts {
		o(r)
	}
	d.routes[typ] = r
	return d
}

// Types returns the registered request types in sorted order.
func (d *DispatchTable) Types() []string {
	types := make([]string, 0, len(d.routes))
	for t := range d.routes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (d *DispatchTable) lookup(req *Request) (HandlerFunc, error) {
	if req.Type == "" {
		return nil, &ProtocolError{Message: "request has no type"}
	}
	r, ok := d.routes[req.Type]
	if !ok {
		return nil, &ProtocolError{Message: fmt.Sprintf("unsupported request %q", req.Type)}
	}
	if r.schema != nil {
		if err := validate(r.schema, req); err != nil {
			return nil, err
		}
	}
	return r.handler, nil
}

func validate(schema *gojsonschema.Schema, req *Request) error {
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return &ProtocolError{Message: fmt.Sprintf("validating %q payload: %s", req.Type, err)}
	}
	if result.Valid() {
		return nil
	}
	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &ProtocolError{Message: fmt.Sprintf("invalid %q payload: %s", req.Type, strings.Join(details, "; "))}
}

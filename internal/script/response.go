package script

import (
	"fmt"
	"math"
	"net/http"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/net/http/httpguts"
)

// DefaultStatus is used when the script omits status or returns a non-integer.
const DefaultStatus = http.StatusOK

// Response is the typed form of the table returned by the entry point.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// toResponse converts the entry point's return value. Fields other than
// body, status and headers are ignored.
func toResponse(v lua.LValue) (*Response, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: expected table, got %s", ErrInvalidResponse, v.Type())
	}

	body, err := toBody(tbl.RawGetString("body"))
	if err != nil {
		return nil, err
	}
	status, err := toStatus(tbl.RawGetString("status"))
	if err != nil {
		return nil, err
	}
	header, err := toHeader(tbl.RawGetString("headers"))
	if err != nil {
		return nil, err
	}

	return &Response{Status: status, Body: body, Header: header}, nil
}

func toBody(v lua.LValue) ([]byte, error) {
	switch b := v.(type) {
	case lua.LString:
		return []byte(b), nil
	case lua.LNumber:
		return []byte(b.String()), nil
	default:
		return nil, fmt.Errorf("%w: body must be a string, got %s", ErrInvalidResponse, v.Type())
	}
}

func toStatus(v lua.LValue) (int, error) {
	n, ok := v.(lua.LNumber)
	if !ok {
		return DefaultStatus, nil
	}
	f := float64(n)
	if f != math.Trunc(f) {
		return DefaultStatus, nil
	}
	// 1xx codes are informational and would not complete the exchange.
	if f < 200 || f > 999 {
		return 0, fmt.Errorf("%w: status %v out of range", ErrInvalidResponse, f)
	}
	return int(f), nil
}

// reservedHeaders are framing and hop-by-hop headers owned by the server.
// A script setting them could desynchronize the connection.
var reservedHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

func toHeader(v lua.LValue) (http.Header, error) {
	if v == lua.LNil {
		return nil, nil
	}
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: headers must be a table, got %s", ErrInvalidResponse, v.Type())
	}

	header := make(http.Header)
	var err error
	tbl.ForEach(func(k, val lua.LValue) {
		if err != nil {
			return
		}
		name, ok := k.(lua.LString)
		if !ok {
			err = fmt.Errorf("%w: header name must be a string, got %s", ErrInvalidResponse, k.Type())
			return
		}
		if err = checkHeaderName(string(name)); err != nil {
			return
		}
		switch hv := val.(type) {
		case lua.LString, lua.LNumber:
			err = addHeader(header, string(name), hv.String())
		case *lua.LTable:
			for i := 1; i <= hv.Len() && err == nil; i++ {
				item := hv.RawGetInt(i)
				if !isScalar(item) {
					err = fmt.Errorf("%w: header %q value must be a string", ErrInvalidResponse, string(name))
					return
				}
				err = addHeader(header, string(name), item.String())
			}
		default:
			err = fmt.Errorf("%w: header %q value must be a string, got %s", ErrInvalidResponse, string(name), val.Type())
		}
	})
	if err != nil {
		return nil, err
	}
	return header, nil
}

func checkHeaderName(name string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("%w: invalid header name %q", ErrInvalidResponse, name)
	}
	if reservedHeaders[http.CanonicalHeaderKey(name)] {
		return fmt.Errorf("%w: header %q is set by the server", ErrInvalidResponse, name)
	}
	return nil
}

func addHeader(h http.Header, name, value string) error {
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("%w: invalid value for header %q", ErrInvalidResponse, name)
	}
	h.Add(name, value)
	return nil
}

func isScalar(v lua.LValue) bool {
	switch v.(type) {
	case lua.LString, lua.LNumber:
		return true
	default:
		return false
	}
}

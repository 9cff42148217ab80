package script

import (
	"net/http"

	lua "github.com/yuin/gopher-lua"
)

const requestTypeName = "luahttp.request"

// Request is the read-only view of an inbound request handed to the script.
// It is built on the transport goroutine and only read afterwards.
type Request struct {
	remoteAddr string
	header     http.Header
}

// NewRequest captures the remote address and a copy of the request headers.
func NewRequest(remoteAddr string, header http.Header) *Request {
	return &Request{remoteAddr: remoteAddr, header: header.Clone()}
}

// RemoteAddr returns the connection's remote socket address.
func (r *Request) RemoteAddr() string { return r.remoteAddr }

// Header returns the first value of the named header, or "" when absent.
func (r *Request) Header(name string) string {
	if r.header == nil {
		return ""
	}
	return r.header.Get(name)
}

var requestMethods = map[string]lua.LGFunction{
	"remote_addr": requestRemoteAddr,
	"get_header":  requestGetHeader,
}

func registerRequestType(L *lua.LState) {
	mt := L.NewTypeMetatable(requestTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), requestMethods))
	L.SetField(mt, "__tostring", L.NewFunction(requestToString))
	// Hide the metatable from getmetatable() so scripts cannot rewire the methods.
	L.SetField(mt, "__metatable", lua.LFalse)
}

func pushRequest(L *lua.LState, req *Request) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = req
	L.SetMetatable(ud, L.GetTypeMetatable(requestTypeName))
	return ud
}

func checkRequest(L *lua.LState) *Request {
	ud := L.CheckUserData(1)
	if req, ok := ud.Value.(*Request); ok {
		return req
	}
	L.ArgError(1, "request expected")
	return nil
}

func requestRemoteAddr(L *lua.LState) int {
	req := checkRequest(L)
	L.Push(lua.LString(req.RemoteAddr()))
	return 1
}

// req:get_header(name) never raises: a missing header or a name that is not
// a string or number yields "".
func requestGetHeader(L *lua.LState) int {
	req := checkRequest(L)
	var value string
	switch name := L.Get(2).(type) {
	case lua.LString, lua.LNumber:
		value = req.Header(name.String())
	}
	L.Push(lua.LString(value))
	return 1
}

func requestToString(L *lua.LState) int {
	req := checkRequest(L)
	L.Push(lua.LString("request(" + req.RemoteAddr() + ")"))
	return 1
}

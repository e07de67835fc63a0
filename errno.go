package brpc

import (
	"errors"
	"fmt"
)

// Errno is the numeric outcome of an RPC, surfaced on the Controller.
// Values below 1000 follow system errno numbering; the 1000 range is
// reserved for client-side framework errors and the 2000 range for
// server-side/framework-internal ones.
type Errno int32

const (
	OK Errno = 0

	// system range
	EINVAL       Errno = 22
	ENODATA      Errno = 61
	ECONNREFUSED Errno = 111
	EHOSTDOWN    Errno = 112
	ECANCELED    Errno = 125

	// client-side framework range
	ENOSERVICE     Errno = 1001
	ENOMETHOD      Errno = 1002
	EREQUEST       Errno = 1003
	ERPCAUTH       Errno = 1004
	ETOOMANYFAILS  Errno = 1005
	EBACKUPREQUEST Errno = 1007
	ERPCTIMEDOUT   Errno = 1008
	EFAILEDSOCKET  Errno = 1009
	EOVERCROWDED   Errno = 1011

	EINTERNAL Errno = 2001
	ERESPONSE Errno = 2002
	ELOGOFF   Errno = 2003
	ELIMIT    Errno = 2004
)

var errnoText = map[Errno]string{
	OK:             "OK",
	EINVAL:         "Invalid argument",
	ENODATA:        "No data available",
	ECONNREFUSED:   "Connection refused",
	EHOSTDOWN:      "Host is down",
	ECANCELED:      "RPC call is cancelled",
	ENOSERVICE:     "Service not found",
	ENOMETHOD:      "Method not found",
	EREQUEST:       "Bad request",
	ERPCAUTH:       "Unauthorized, can't be called",
	ETOOMANYFAILS:  "Too many sub calls failed",
	EBACKUPREQUEST: "Sending backup request",
	ERPCTIMEDOUT:   "RPC call is timed out",
	EFAILEDSOCKET:  "Broken socket",
	EOVERCROWDED:   "The server is overcrowded",
	EINTERNAL:      "Internal server error",
	ERESPONSE:      "Bad response",
	ELOGOFF:        "Server is stopping",
	ELIMIT:         "Reached server's limit on resources",
}

func (e Errno) String() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("unknown errno %d", int32(e))
}

var (
	ErrChannelUninitialized = errors.New("brpc: channel is not initialized")
	ErrProtocolUnknown      = errors.New("brpc: unknown protocol")
	ErrInvalidAddress       = errors.New("brpc: invalid server address")
	ErrInvalidPort          = errors.New("brpc: invalid port")
	ErrConnectionType       = errors.New("brpc: unsupported connection type")
	ErrSocketMapInsert      = errors.New("brpc: fail to insert into socket map")
	ErrNoServer             = errors.New("brpc: no server to select")
	ErrTimerService         = errors.New("brpc: timer service unavailable")
)

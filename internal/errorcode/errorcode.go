// Package errorcode defines the framework-reserved error-code taxonomy
// from spec §7. Codes 0-999 are reserved for the framework; the
// application range starts at 1000.
package errorcode

import "fmt"

// Code is a framework or application error code carried on the wire in a
// Packet's errorCode field or returned from an internal API.
type Code uint16

const (
	Success              Code = 0
	RequestTimeout       Code = 1
	ServerNotFound       Code = 2
	StageNotFound        Code = 3
	ActorNotFound        Code = 4
	AuthenticationFailed Code = 5
	NotAuthenticated     Code = 6
	AlreadyAuthenticated Code = 7
	StageAlreadyExists   Code = 8
	StageCreationFailed  Code = 9
	JoinStageFailed      Code = 10
	InvalidMessage       Code = 11
	HandlerNotFound      Code = 12
	InvalidStageType     Code = 13
	SystemError          Code = 14
	InvalidAccountID     Code = 16
	JoinStageRejected    Code = 17
	InternalError        Code = 99
)

// Transport-layer failures. These never cross the wire as an errorCode on a
// reply packet; they terminate a session or a send attempt at the callsite.
const (
	ProtocolViolation        Code = 100
	OversizedFrame           Code = 101
	TruncatedFrame           Code = 102
	InvalidUtf8MsgID         Code = 103
	ReservedCompressionFlag  Code = 104
	SendQueueFull            Code = 105
	BackpressureExceeded     Code = 106
	StageClosed              Code = 107
	DuplicateLogin           Code = 108
	ConnectionClosed         Code = 109
	Timeout                  Code = 110
	RouteCorrelationMissing  Code = 111
	ArgumentOutOfRange       Code = 112
	GameLoopAlreadyRunning   Code = 113
)

var names = map[Code]string{
	Success:                 "Success",
	RequestTimeout:          "RequestTimeout",
	ServerNotFound:          "ServerNotFound",
	StageNotFound:           "StageNotFound",
	ActorNotFound:           "ActorNotFound",
	AuthenticationFailed:    "AuthenticationFailed",
	NotAuthenticated:        "NotAuthenticated",
	AlreadyAuthenticated:    "AlreadyAuthenticated",
	StageAlreadyExists:      "StageAlreadyExists",
	StageCreationFailed:     "StageCreationFailed",
	JoinStageFailed:         "JoinStageFailed",
	InvalidMessage:          "InvalidMessage",
	HandlerNotFound:         "HandlerNotFound",
	InvalidStageType:        "InvalidStageType",
	SystemError:             "SystemError",
	InvalidAccountID:        "InvalidAccountId",
	JoinStageRejected:       "JoinStageRejected",
	InternalError:           "InternalError",
	ProtocolViolation:       "ProtocolViolation",
	OversizedFrame:          "OversizedFrame",
	TruncatedFrame:          "TruncatedFrame",
	InvalidUtf8MsgID:        "InvalidUtf8MsgId",
	ReservedCompressionFlag: "ReservedCompressionFlagSet",
	SendQueueFull:           "SendQueueFull",
	BackpressureExceeded:    "BackpressureExceeded",
	StageClosed:             "StageClosed",
	DuplicateLogin:          "DuplicateLogin",
	ConnectionClosed:        "ConnectionClosed",
	Timeout:                 "Timeout",
	RouteCorrelationMissing: "RouteCorrelationMissing",
	ArgumentOutOfRange:      "ArgumentOutOfRange",
	GameLoopAlreadyRunning:  "GameLoopAlreadyRunning",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint16(c))
}

// Error implements error so a Code can be returned directly from internal
// APIs (Futures, session close reasons) without an extra wrapper type.
func (c Code) Error() string {
	return c.String()
}

// IsApplication reports whether code is in the application range (>=1000).
func IsApplication(c Code) bool {
	return c >= 1000
}

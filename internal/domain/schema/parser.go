package schema

import "strings"

// ParserEvent is a lifecycle notification exchanged with an extension parser runtime.
type ParserEvent string

const (
	// ParserEventInit asks the extension to prepare the parser.
	ParserEventInit ParserEvent = "init"
	// ParserEventConnect asks the extension to open its upstream connection.
	ParserEventConnect ParserEvent = "connect"
	// ParserEventDisconnect asks the extension to close its upstream connection.
	ParserEventDisconnect ParserEvent = "disconnect"
	// ParserEventRelease asks the extension to free the parser.
	ParserEventRelease ParserEvent = "release"
)

// ParseParserEvent normalises a textual event kind. Unknown kinds report false.
func ParseParserEvent(raw string) (ParserEvent, bool) {
	switch ParserEvent(strings.ToLower(strings.TrimSpace(raw))) {
	case ParserEventInit:
		return ParserEventInit, true
	case ParserEventConnect:
		return ParserEventConnect, true
	case ParserEventDisconnect:
		return ParserEventDisconnect, true
	case ParserEventRelease:
		return ParserEventRelease, true
	}
	return "", false
}

// AdapterState is the lifecycle state of a data-source adapter.
type AdapterState int32

const (
	// StateCreated is the state of an adapter inserted but not yet configured.
	StateCreated AdapterState = iota
	// StateInitialized marks a configured adapter.
	StateInitialized
	// StateConnected marks an adapter whose source is delivering data.
	StateConnected
	// StateDisconnected marks an adapter whose source dropped.
	StateDisconnected
	// StateReleased marks a torn down adapter; it accepts no further transitions.
	StateReleased
)

func (s AdapterState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

// BackendKind tells whether an adapter is compiled into the host or provided by an extension.
type BackendKind string

const (
	// BackendBuiltIn marks adapters backed by a parser compiled into the host.
	BackendBuiltIn BackendKind = "builtin"
	// BackendExtension marks adapters backed by an external parser runtime.
	BackendExtension BackendKind = "extension"
)

// AdapterStatus is a point-in-time view of a registered adapter.
type AdapterStatus struct {
	ID    string      `json:"id"`
	Kind  BackendKind `json:"kind"`
	State string      `json:"state"`
	Codes []string    `json:"codes,omitempty"`
}

// DumpKind identifies the record family of a persistence request.
type DumpKind string

const (
	// DumpBars requests historical bar persistence.
	DumpBars DumpKind = "bars"
	// DumpTicks requests historical tick persistence.
	DumpTicks DumpKind = "ticks"
	// DumpOrderQueue requests order queue persistence.
	DumpOrderQueue DumpKind = "order_queue"
	// DumpOrderDetail requests order detail persistence.
	DumpOrderDetail DumpKind = "order_detail"
	// DumpTransactions requests transaction persistence.
	DumpTransactions DumpKind = "transactions"
)

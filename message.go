package pomelo

// EventDisconnect is emitted once when the client is torn down. The event
// data is the teardown cause, nil after an explicit Disconnect.
const EventDisconnect = "disconnect"

// ResponseCallback receives the decoded response body of a request, or the
// error that ended it. It is called exactly once.
//
// Bodies decoded from JSON are the values encoding/json produces for an
// interface{}; bodies decoded with a schema are map[string]any documents.
type ResponseCallback func(body any, err error)

// NotifyCallback reports whether a notify was written. It is called exactly
// once.
type NotifyCallback func(err error)

// EventCallback receives server pushes for the event it was registered on.
// The event name of a push is its route.
type EventCallback func(event string, data any)

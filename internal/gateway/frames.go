// Package gateway exposes an in-process broker over WebSocket so agents in
// other processes can participate: the server daemon embeds the hub, the
// client Transport dials it and implements wire.Transport.
package gateway

// frame is the single JSON message shape exchanged over a gateway socket.
// Op decides which fields are meaningful.
type frame struct {
	Op       string `json:"op"` // declare | publish | consume | deliver | ack | reject | error
	Identity string `json:"identity,omitempty"`
	Queue    string `json:"queue,omitempty"`
	Prefetch int    `json:"prefetch,omitempty"`
	ID       string `json:"id,omitempty"`
	Key      string `json:"key,omitempty"`
	Priority int    `json:"priority,omitempty"`
	TTLMs    int64  `json:"ttlMs,omitempty"`
	Body     []byte `json:"body,omitempty"`
	Error    string `json:"error,omitempty"`
}

const (
	opDeclare = "declare"
	opPublish = "publish"
	opConsume = "consume"
	opDeliver = "deliver"
	opAck     = "ack"
	opReject  = "reject"
	opError   = "error"
)

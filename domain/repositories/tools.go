package repositories

import (
	"context"
	"encoding/json"
)

// ToolDispatcher handles JSON-RPC 2.0 shaped tool-call payloads arriving
// over the wire protocol. The payload is delegated verbatim and the
// response is wrapped back into the same session's reply channel.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

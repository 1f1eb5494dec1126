// Package approval connects the consent engine's pending-request stream to
// external approvers. Channels deliver requests outward and feed responses
// back; the engine owns the request/response correlation.
package approval

import (
	"context"

	"github.com/wardenlabs/warden/internal/consent"
)

// Engine is the consent surface the channels need.
type Engine interface {
	Outbound() <-chan consent.Request
	Pending() []consent.Request
	Resolve(consent.Response) error
}

// Channel is one transport for the approval conversation. The approval UI on
// the far side is stateless and replaceable. Notify delivers one escalated
// request; the Dispatcher is the only caller.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Notify(consent.Request)
	Stop() error
}

// Frame is the JSON envelope exchanged with approvers on every transport.
type Frame struct {
	Type     string            `json:"type"` // "request", "response", "pending", "error"
	Request  *consent.Request  `json:"request,omitempty"`
	Response *consent.Response `json:"response,omitempty"`
	Error    string            `json:"error,omitempty"`
}

package hostconn

import "github.com/toolink/exthost/extension"

// Full method names.
const (
	extensionService = "exthost.v1.Extension"
	hostService      = "exthost.v1.Host"

	MethodInit               = "/" + extensionService + "/Init"
	MethodOnRequest          = "/" + extensionService + "/OnRequest"
	MethodShutdown           = "/" + extensionService + "/Shutdown"
	MethodBeforeConfigChange = "/" + extensionService + "/BeforeConfigChange"
	MethodConfigChanged      = "/" + extensionService + "/ConfigChanged"
	MethodExecute            = "/" + hostService + "/Execute"
)

// Empty is the request or response of calls without payload.
type Empty struct{}

// InitRequest starts the extension for a domain.
type InitRequest struct {
	Domain   string             `json:"domain"`
	Settings extension.Settings `json:"settings,omitempty"`
}

// RequestBatch is one on_request call.
type RequestBatch struct {
	Context  extension.Context    `json:"context"`
	Commands []*extension.Command `json:"commands"`
}

// RequestResult returns the batch with answered commands filled in. Error
// carries the joined per-command failures, which are also recorded on the
// commands themselves.
type RequestResult struct {
	Commands []*extension.Command `json:"commands"`
	Error    string               `json:"error,omitempty"`
}

// ConfigChange announces a configuration change at Path.
type ConfigChange struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// ExecuteRequest submits commands to the host.
type ExecuteRequest struct {
	Commands []*extension.Command `json:"commands"`
}

// ExecuteResponse carries the executed commands in request order.
type ExecuteResponse struct {
	Commands []*extension.Command `json:"commands"`
}

package hostconn

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/toolink/exthost/extension"
)

// DialOptions are the options Dial applies before the caller's: plaintext
// transport and the JSON codec for every call.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
}

// Client is the extension's connection to the host. It implements
// extension.Host.
type Client struct {
	cc     grpc.ClientConnInterface
	closer func() error
}

// Dial connects to the host at target, which may be a "redlb:///<service>"
// target when the redlb resolver is passed in opts.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, append(DialOptions(), opts...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial host %s: %w", extension.ErrConfiguration, target, err)
	}
	log.Info().Str("target", target).Msg("host connection created")
	return &Client{cc: conn, closer: conn.Close}, nil
}

// NewClient uses an existing connection. Close leaves it open.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Execute submits commands to the host.
func (c *Client) Execute(ctx context.Context, commands []*extension.Command) ([]*extension.Command, error) {
	var resp ExecuteResponse
	err := c.cc.Invoke(ctx, MethodExecute, &ExecuteRequest{Commands: commands}, &resp, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", extension.ErrCommunication, err)
	}
	return resp.Commands, nil
}

// Close closes a connection created by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

var _ extension.Host = (*Client)(nil)

// HostServer is implemented by hosts serving exthost.v1.Host.
type HostServer interface {
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error)
}

type hostAdapter struct {
	host extension.Host
}

func (a hostAdapter) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	out, err := a.host.Execute(ctx, req.Commands)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ExecuteResponse{Commands: out}, nil
}

var hostServiceDesc = grpc.ServiceDesc{
	ServiceName: hostService,
	HandlerType: (*HostServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: unaryHandler(MethodExecute, func(srv any, ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
			return srv.(HostServer).Execute(ctx, req)
		})},
	},
	Metadata: "exthost/v1/host",
}

// RegisterHostServer serves host as exthost.v1.Host on gs.
func RegisterHostServer(gs *grpc.Server, host extension.Host) {
	gs.RegisterService(&hostServiceDesc, hostAdapter{host: host})
}

// ExtensionClient is the host's view of an extension.
type ExtensionClient struct {
	cc grpc.ClientConnInterface
}

// NewExtensionClient uses cc to call an extension.
func NewExtensionClient(cc grpc.ClientConnInterface) *ExtensionClient {
	return &ExtensionClient{cc: cc}
}

func (c *ExtensionClient) invoke(ctx context.Context, method string, req, resp any) error {
	return c.cc.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(CodecName))
}

func (c *ExtensionClient) Init(ctx context.Context, domain string, settings extension.Settings) error {
	return c.invoke(ctx, MethodInit, &InitRequest{Domain: domain, Settings: settings}, &Empty{})
}

// OnRequest sends a batch and returns the commands as answered by the
// extension.
func (c *ExtensionClient) OnRequest(ctx context.Context, rc extension.Context, commands []*extension.Command) (*RequestResult, error) {
	var res RequestResult
	if err := c.invoke(ctx, MethodOnRequest, &RequestBatch{Context: rc, Commands: commands}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *ExtensionClient) Shutdown(ctx context.Context) error {
	return c.invoke(ctx, MethodShutdown, &Empty{}, &Empty{})
}

func (c *ExtensionClient) BeforeConfigChange(ctx context.Context, path string, value any) error {
	return c.invoke(ctx, MethodBeforeConfigChange, &ConfigChange{Path: path, Value: value}, &Empty{})
}

func (c *ExtensionClient) ConfigChanged(ctx context.Context, path string, value any) error {
	return c.invoke(ctx, MethodConfigChanged, &ConfigChange{Path: path, Value: value}, &Empty{})
}

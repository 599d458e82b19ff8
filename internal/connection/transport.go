package connection

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
)

// Socket is an open JSON-RPC channel to one node.
type Socket interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// Transport opens sockets to node urls.
type Transport interface {
	Open(ctx context.Context, url string) (Socket, error)
}

// RPCTransport dials nodes with the go-ethereum rpc client. ws/wss urls go
// through a gorilla websocket dialer, http/https urls through HTTPClient.
type RPCTransport struct {
	dialer     websocket.Dialer
	httpClient *http.Client
}

func NewRPCTransport(timeout time.Duration) *RPCTransport {
	return &RPCTransport{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (t *RPCTransport) Open(ctx context.Context, url string) (Socket, error) {
	client, err := rpc.DialOptions(ctx, url,
		rpc.WithWebsocketDialer(t.dialer),
		rpc.WithHTTPClient(t.httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return client, nil
}

var _ Socket = (*rpc.Client)(nil)

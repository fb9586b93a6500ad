package socketio_sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"

	"github.com/vk/mediagrid/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

type socketClient struct {
	io *socket.Socket
}

func (c *socketClient) Publish(event string, payload map[string]any) {
	c.io.Emit(event, payload)
}

func (c *socketClient) Close() {
	c.io.Disconnect()
}

// dialSocket connects over WebSocket and waits for the connect event.
func dialSocket(ctx context.Context, c *Config) (publisher, error) {
	logger := ctxlog.FromContext(ctx).With("url", c.URL, "namespace", c.Namespace)
	logger.Debug("Connecting to Socket.IO server.")

	parsedURL, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if c.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(c.Namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected to Socket.IO server.", "sid", io.Id())
		signal(connectChan, nil)
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		var err error = fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		signal(connectChan, err)
	})
	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return &socketClient{io: io}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("waiting for socket.io connection: %w", ctx.Err())
	}
}

func signal(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

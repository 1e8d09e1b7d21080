package signaling

import "context"

// Channel is a connected client together with its event router: the single
// rendezvous connection a process needs.
type Channel struct {
	*Handler
	client *Client
}

// Open connects to serverURL and starts routing events.
func Open(ctx context.Context, serverURL string, opts ...Option) (*Channel, error) {
	client := NewClient(serverURL, opts...)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	handler := NewHandler(client)
	go handler.Start()

	return &Channel{Handler: handler, client: client}, nil
}

// Close stops event delivery and closes the connection.
func (c *Channel) Close() {
	c.Handler.Close()
	c.client.Close()
}

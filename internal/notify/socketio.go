package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/specialistvlad/stagecoach/internal/ctxlog"
	"github.com/specialistvlad/stagecoach/internal/model"
)

// socketioNotifier keeps one websocket connection open for the whole run
// and emits payloads on it. The URL path selects the namespace.
type socketioNotifier struct {
	name  string
	event string
	live  bool
	io    *socket.Socket
}

func newSocketIO(ctx context.Context, decl *model.Notifier) (Notifier, error) {
	logger := ctxlog.FromContext(ctx).With("notifier", decl.Name, "url", decl.URL)

	parsedURL, err := url.Parse(decl.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	opts := socket.DefaultOptions()
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(parsedURL.Path, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Socket.io connected.", "sid", io.Id())
		connectChan <- nil
	})

	io.Once(types.EventName("connect_error"), func(errs ...any) {
		var err error
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", errs[0])
			}
		}
		connectChan <- err
	})

	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(decl.Timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", decl.Timeout)
	}

	return &socketioNotifier{
		name:  decl.Name,
		event: decl.Event,
		live:  decl.Live,
		io:    io,
	}, nil
}

func (n *socketioNotifier) Name() string { return n.name }
func (n *socketioNotifier) Live() bool   { return n.live }

func (n *socketioNotifier) StageEvent(_ context.Context, ev StageEvent) error {
	ev.Kind = KindStage
	return n.emit(KindStage, ev)
}

func (n *socketioNotifier) BuildDone(_ context.Context, sum BuildSummary) error {
	sum.Kind = KindBuild
	return n.emit(KindBuild, sum)
}

// emit ships the payload as plain maps so the client serializes it the same
// way the JSON tags describe. Payloads go out under their kind name unless
// the declaration pinned a single event.
func (n *socketioNotifier) emit(kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	event := n.event
	if event == "" {
		event = kind
	}
	n.io.Emit(event, data)
	return nil
}

func (n *socketioNotifier) Close() error {
	n.io.Disconnect()
	return nil
}

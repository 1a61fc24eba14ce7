package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/modules/layouts/presentation/controllers/dtos"
	"github.com/iota-uz/dashsync/modules/layouts/services"
)

// ChangeSink receives pushed layout changes. *services.RegionStore
// implements it.
type ChangeSink interface {
	ApplyServerState(rm region.Remote)
	LoadRegions(ctx context.Context, layoutID string) ([]region.Region, error)
}

func (g *HTTPGateway) eventsURL(layoutID string) string {
	u := *g.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + apiPrefix + "/layouts/" + url.PathEscape(layoutID) + "/events"
	u.RawQuery = ""
	return u.String()
}

// Watch follows the layout's change feed until ctx is cancelled or the server
// closes the connection, both of which return nil. Upserts are merged into
// sink one by one; deletes and reorders reload the layout.
func (g *HTTPGateway) Watch(ctx context.Context, layoutID string, sink ChangeSink) error {
	header := http.Header{}
	if g.requestIDHeader != "" {
		header.Set(g.requestIDHeader, uuid.NewString())
	}
	if g.authorization != "" {
		header.Set("Authorization", g.authorization)
	}

	conn, resp, err := g.dialer.DialContext(ctx, g.eventsURL(layoutID), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: watch layout %s: %s", services.ErrNetworkFailure, layoutID, err.Error())
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg dtos.LayoutChangeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return fmt.Errorf("%w: layout %s change feed: %s", services.ErrNetworkFailure, layoutID, err.Error())
		}
		if msg.LayoutID != layoutID {
			continue
		}

		switch services.LayoutChangeKind(msg.Kind) {
		case services.ChangeUpserted:
			if msg.Region != nil {
				sink.ApplyServerState(*msg.Region)
			}
		case services.ChangeDeleted, services.ChangeReordered:
			// Load failures stay in the store's Error(layoutID).
			if _, err := sink.LoadRegions(ctx, layoutID); err != nil && ctx.Err() != nil {
				return nil
			}
		}
	}
}

var _ ChangeSink = (*services.RegionStore)(nil)

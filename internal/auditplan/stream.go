package auditplan

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odyssey-erp/odyssey-audit/internal/platform/httpx"
)

const (
	streamWriteWait    = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// Stream serves plan-changed events over a websocket. The set of plans a
// connection receives is fixed when it subscribes.
type Stream struct {
	service  *Service
	broker   *Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewStream constructs a Stream.
func NewStream(service *Service, broker *Broker, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Stream{
		service: service,
		broker:  broker,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeHTTP subscribes to the requested plans (query "plan", repeatable) or,
// without any, to every plan visible to the actor.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	allowed, err := s.allowedPlans(r, actor)
	if err != nil {
		problems.Respond(w, err)
		return
	}
	events, cancel := s.broker.Subscribe()
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("plan stream upgrade", slog.Any("error", err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("plan stream read", slog.Any("error", err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if _, visible := allowed[evt.PlanID]; !visible {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("plan stream write", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Stream) allowedPlans(r *http.Request, actor Actor) (map[PlanID]struct{}, error) {
	requested := r.URL.Query()["plan"]
	allowed := make(map[PlanID]struct{}, len(requested))
	if len(requested) == 0 {
		plans, err := s.service.VisiblePlansFor(r.Context(), actor)
		if err != nil {
			return nil, err
		}
		for _, p := range plans {
			allowed[p.ID] = struct{}{}
		}
		return allowed, nil
	}
	for _, raw := range requested {
		plan, err := s.service.Plan(r.Context(), actor, PlanID(raw))
		if err != nil {
			return nil, err
		}
		allowed[plan.ID] = struct{}{}
	}
	return allowed, nil
}

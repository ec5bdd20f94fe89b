package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relayshare/internal/logging"
)

const (
	MethodAuth      = "AUTH"
	MethodSubscribe = "SUBSCRIBE"
)

type envelope struct {
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload"`
}

type subscribePayload struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Authenticator checks the token sent in the AUTH message and returns the
// doctypes it may read. A nil slice allows every doctype.
type Authenticator func(ctx context.Context, token string) ([]string, error)

type HandlerOptions struct {
	Hub          *Hub
	Authenticate Authenticator
	Logger       logging.Logger
	// AuthTimeout bounds the wait for the AUTH message.
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	// OriginPatterns are passed to websocket.Accept.
	OriginPatterns []string
}

type Handler struct {
	opts HandlerOptions
}

func NewHandler(opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Handler{opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.opts.Logger.Warn("realtime accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 << 10)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	allowed, err := h.authenticate(ctx, conn)
	if err != nil {
		h.opts.Logger.Info("realtime auth rejected", "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication required")
		return
	}

	sub := h.opts.Hub.Subscribe()
	defer sub.Close()

	readErr := make(chan error, 1)
	go func() {
		readErr <- h.readLoop(ctx, conn, sub, allowed)
	}()

	for {
		select {
		case event := <-sub.Events():
			writeCtx, stop := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			stop()
			if err != nil {
				cancel()
				<-readErr
				return
			}
		case err := <-readErr:
			if errors.Is(err, errBadMessage) {
				_ = conn.Close(websocket.StatusUnsupportedData, err.Error())
			}
			return
		case <-sub.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server closing")
			<-readErr
			return
		}
	}
}

var errBadMessage = errors.New("unsupported realtime message")

func (h *Handler) authenticate(ctx context.Context, conn *websocket.Conn) (map[string]bool, error) {
	authCtx, stop := context.WithTimeout(ctx, h.opts.AuthTimeout)
	defer stop()
	var msg envelope
	if err := wsjson.Read(authCtx, conn, &msg); err != nil {
		return nil, err
	}
	if !strings.EqualFold(msg.Method, MethodAuth) {
		return nil, errBadMessage
	}
	var token string
	if err := json.Unmarshal(msg.Payload, &token); err != nil {
		return nil, errBadMessage
	}
	if h.opts.Authenticate == nil {
		return nil, nil
	}
	doctypes, err := h.opts.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if doctypes == nil {
		return nil, nil
	}
	allowed := make(map[string]bool, len(doctypes))
	for _, doctype := range doctypes {
		allowed[doctype] = true
	}
	return allowed, nil
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sub *Subscription, allowed map[string]bool) error {
	for {
		var msg envelope
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		if !strings.EqualFold(msg.Method, MethodSubscribe) {
			return errBadMessage
		}
		var payload subscribePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Type == "" {
			return errBadMessage
		}
		if allowed != nil && !allowed[payload.Type] {
			h.opts.Logger.Info("realtime subscription refused", "doctype", payload.Type)
			continue
		}
		sub.Subscribe(payload.Type, payload.ID)
	}
}

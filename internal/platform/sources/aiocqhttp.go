package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/platform"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// AdapterAiocqhttp is the adapter kind name of the OneBot v11 reverse
// WebSocket source. QQ protocol clients connect to us.
const AdapterAiocqhttp = "aiocqhttp"

const onebotCallTimeout = 30 * time.Second

func init() {
	platform.RegisterAdapter(AdapterAiocqhttp, func(cfg map[string]any, logger *slog.Logger) (entities.MessagePlatformAdapter, error) {
		return NewAiocqhttpAdapter(cfg, logger)
	})
}

// AiocqhttpAdapter hosts a OneBot v11 reverse WebSocket endpoint.
type AiocqhttpAdapter struct {
	host        string
	port        int
	accessToken string
	logger      *slog.Logger

	selfID atomic.Int64

	mu        sync.RWMutex
	listeners map[string]func(ctx context.Context, event models.MessageEvent)
	conn      *websocket.Conn
	writeMu   sync.Mutex

	echoSeq atomic.Int64
	pending sync.Map // echo string -> chan onebotResponse

	server *http.Server
}

// NewAiocqhttpAdapter builds the adapter from a bot record's config.
func NewAiocqhttpAdapter(cfg map[string]any, logger *slog.Logger) (*AiocqhttpAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AiocqhttpAdapter{
		host:      "0.0.0.0",
		port:      2280,
		logger:    logger.With("adapter", AdapterAiocqhttp),
		listeners: make(map[string]func(ctx context.Context, event models.MessageEvent)),
	}
	if host, ok := cfg["host"].(string); ok && host != "" {
		a.host = host
	}
	if port, ok := cfg["port"].(float64); ok && port > 0 {
		a.port = int(port)
	}
	if token, ok := cfg["access-token"].(string); ok {
		a.accessToken = token
	}
	return a, nil
}

func (a *AiocqhttpAdapter) Name() string { return AdapterAiocqhttp }

// SelfID returns the connected account id, or 0 before the handshake.
func (a *AiocqhttpAdapter) SelfID() int64 { return a.selfID.Load() }

// RegisterListener subscribes an inbound event handler.
func (a *AiocqhttpAdapter) RegisterListener(eventType string, handler func(ctx context.Context, event models.MessageEvent)) {
	a.mu.Lock()
	a.listeners[eventType] = handler
	a.mu.Unlock()
}

// RunAsync serves the reverse WebSocket endpoint until ctx is
// cancelled.
func (a *AiocqhttpAdapter) RunAsync(ctx context.Context) error {
	upgrader := websocket.Upgrader{
		// The protocol client authenticates by token, not origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if a.accessToken != "" && r.Header.Get("Authorization") != "Bearer "+a.accessToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if selfID, err := strconv.ParseInt(r.Header.Get("X-Self-ID"), 10, 64); err == nil {
			a.selfID.Store(selfID)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			a.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		a.logger.Info("onebot client connected",
			"remote", r.RemoteAddr, "self_id", a.selfID.Load())
		a.serveConn(ctx, conn)
	})

	a.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.host, a.port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return entities.NewError(entities.ErrAdapter, "onebot listener failed", err)
		}
		return nil
	}
}

// Kill closes the listener and the active connection.
func (a *AiocqhttpAdapter) Kill(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *AiocqhttpAdapter) serveConn(ctx context.Context, conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.conn = conn
	a.mu.Unlock()

	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.logger.Info("onebot client disconnected", "error", err)
			return
		}
		a.handleFrame(ctx, data)
	}
}

// onebotResponse is an API call reply routed by echo.
type onebotResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Echo    string          `json:"echo"`
}

func (a *AiocqhttpAdapter) handleFrame(ctx context.Context, data []byte) {
	var probe struct {
		PostType string `json:"post_type"`
		Echo     string `json:"echo"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		a.logger.Warn("undecodable onebot frame", "error", err)
		return
	}

	if probe.Echo != "" {
		var resp onebotResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		if ch, ok := a.pending.LoadAndDelete(probe.Echo); ok {
			ch.(chan onebotResponse) <- resp
		}
		return
	}

	if probe.PostType == "message" {
		a.handleMessage(ctx, data)
	}
}

type onebotSegment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type onebotMessageEvent struct {
	MessageType string          `json:"message_type"`
	MessageID   int64           `json:"message_id"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	SelfID      int64           `json:"self_id"`
	Time        int64           `json:"time"`
	Message     []onebotSegment `json:"message"`
	Sender      struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
		Role     string `json:"role"`
	} `json:"sender"`
}

func (a *AiocqhttpAdapter) handleMessage(ctx context.Context, data []byte) {
	var ev onebotMessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		a.logger.Warn("undecodable onebot message", "error", err)
		return
	}
	if ev.SelfID != 0 {
		a.selfID.Store(ev.SelfID)
	}

	chain := a.convertSegments(ev)

	switch ev.MessageType {
	case "private":
		a.emit(ctx, &models.FriendMessage{
			Sender:       models.Friend{ID: ev.UserID, Nickname: ev.Sender.Nickname},
			MessageChain: chain,
			Time:         time.Unix(ev.Time, 0),
		})
	case "group":
		name := ev.Sender.Card
		if name == "" {
			name = ev.Sender.Nickname
		}
		a.emit(ctx, &models.GroupMessage{
			Sender: models.GroupMember{
				ID:         ev.UserID,
				Name:       name,
				Group:      models.Group{ID: ev.GroupID},
				Permission: onebotPermission(ev.Sender.Role),
			},
			MessageChain: chain,
			Time:         time.Unix(ev.Time, 0),
		})
	}
}

func onebotPermission(role string) models.GroupPermission {
	switch role {
	case "owner":
		return models.PermissionOwner
	case "admin":
		return models.PermissionAdministrator
	default:
		return models.PermissionMember
	}
}

func (a *AiocqhttpAdapter) emit(ctx context.Context, event models.MessageEvent) {
	a.mu.RLock()
	handler := a.listeners[event.EventType()]
	a.mu.RUnlock()
	if handler == nil {
		return
	}
	handler(ctx, event)
}

func (a *AiocqhttpAdapter) convertSegments(ev onebotMessageEvent) models.MessageChain {
	chain := models.MessageChain{models.Source{ID: ev.MessageID, Time: ev.Time}}
	for _, seg := range ev.Message {
		switch seg.Type {
		case "text":
			if text, ok := seg.Data["text"].(string); ok && text != "" {
				chain = append(chain, models.Plain{Text: text})
			}
		case "at":
			target := asInt64(seg.Data["qq"])
			if target != 0 {
				chain = append(chain, models.At{Target: target})
			}
		case "image":
			url, _ := seg.Data["url"].(string)
			if url == "" {
				url, _ = seg.Data["file"].(string)
			}
			chain = append(chain, models.Image{URL: url})
		case "reply":
			chain = append(chain, models.Quote{MessageID: asInt64(seg.Data["id"])})
		}
	}
	return chain
}

// asInt64 reads OneBot's loosely typed ids (string or number).
func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		id, _ := strconv.ParseInt(n, 10, 64)
		return id
	}
	return 0
}

// ReplyMessage sends a chain back through the connected client.
func (a *AiocqhttpAdapter) ReplyMessage(ctx context.Context, event models.MessageEvent, chain models.MessageChain, quoteOrigin bool) error {
	segments := make([]onebotSegment, 0, len(chain)+1)
	if quoteOrigin {
		if src, ok := sourceOf(event.Chain()); ok {
			segments = append(segments, onebotSegment{
				Type: "reply",
				Data: map[string]any{"id": src.ID},
			})
		}
	}
	for _, el := range chain {
		switch e := el.(type) {
		case models.Plain:
			segments = append(segments, onebotSegment{Type: "text", Data: map[string]any{"text": e.Text}})
		case models.At:
			segments = append(segments, onebotSegment{Type: "at", Data: map[string]any{"qq": strconv.FormatInt(e.Target, 10)}})
		case models.AtAll:
			segments = append(segments, onebotSegment{Type: "at", Data: map[string]any{"qq": "all"}})
		case models.Image:
			file := e.URL
			if file == "" && e.Base64 != "" {
				file = "base64://" + e.Base64
			}
			if file != "" {
				segments = append(segments, onebotSegment{Type: "image", Data: map[string]any{"file": file}})
			}
		}
	}
	if len(segments) == 0 {
		return nil
	}

	var err error
	if event.EventType() == "GroupMessage" {
		_, err = a.callAPI(ctx, "send_group_msg", map[string]any{
			"group_id": event.LauncherID(),
			"message":  segments,
		})
	} else {
		_, err = a.callAPI(ctx, "send_private_msg", map[string]any{
			"user_id": event.LauncherID(),
			"message": segments,
		})
	}
	return err
}

// IsMuted asks for the bot's own member info and checks the mute
// timestamp.
func (a *AiocqhttpAdapter) IsMuted(ctx context.Context, groupID int64) (bool, error) {
	data, err := a.callAPI(ctx, "get_group_member_info", map[string]any{
		"group_id": groupID,
		"user_id":  a.SelfID(),
		"no_cache": true,
	})
	if err != nil {
		return false, err
	}
	var info struct {
		ShutUpTimestamp int64 `json:"shut_up_timestamp"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return false, err
	}
	return info.ShutUpTimestamp > time.Now().Unix(), nil
}

// callAPI performs one echo-correlated OneBot API call.
func (a *AiocqhttpAdapter) callAPI(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil {
		return nil, entities.NewError(entities.ErrAdapter, "no onebot client connected", nil)
	}

	echo := fmt.Sprintf("langbot-%d", a.echoSeq.Add(1))
	frame, err := json.Marshal(map[string]any{
		"action": action,
		"params": params,
		"echo":   echo,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan onebotResponse, 1)
	a.pending.Store(echo, ch)
	defer a.pending.Delete(echo)

	a.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, frame)
	a.writeMu.Unlock()
	if err != nil {
		return nil, entities.NewError(entities.ErrAdapter, "onebot write failed", err)
	}

	timer := time.NewTimer(onebotCallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, entities.NewError(entities.ErrAdapter, "onebot call cancelled", ctx.Err())
	case <-timer.C:
		return nil, entities.NewError(entities.ErrAdapter, "onebot call timed out: "+action, nil)
	case resp := <-ch:
		if resp.Status == "failed" || resp.RetCode != 0 {
			return nil, entities.NewError(entities.ErrAdapter,
				fmt.Sprintf("onebot call %s failed (retcode %d)", action, resp.RetCode), nil)
		}
		return resp.Data, nil
	}
}

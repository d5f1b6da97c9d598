package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/session"
)

// SystemStatus is the body of GET /system-status.
type SystemStatus struct {
	WhatsAppConnected bool `json:"whatsapp_connected"`
	OpenAIConnected   bool `json:"openai_connected"`
	DatabaseConnected bool `json:"database_connected"`
	ActiveSessions    int  `json:"active_sessions"`
	PendingOrders     int  `json:"pending_orders"`
}

// ChatMessage is one transcript turn as shown on the dashboard.
type ChatMessage struct {
	ID           string `json:"id"`
	SenderID     string `json:"sender_id"`
	Message      string `json:"message"`
	Timestamp    string `json:"timestamp"`
	MessageType  string `json:"message_type"`
	CustomerName string `json:"customer_name,omitempty"`
	IsAIResponse bool   `json:"is_ai_response,omitempty"`
}

// SessionDebug describes one transcript in GET /debug/session-store.
type SessionDebug struct {
	MessageCount int                       `json:"message_count"`
	Sample       []models.ConversationTurn `json:"sample"`
	TokenCount   int                       `json:"token_count"`
	NeedsSummary bool                      `json:"needs_summary"`
}

// analyticsHandler handles GET /analytics?period=day|week|month.
func (s *Server) analyticsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	period, since := periodStart(r.URL.Query().Get("period"), s.now())
	orders, err := s.orders.OrdersSince(since)
	if err != nil {
		slog.Error("Server.analyticsHandler: query failed", "period", period, "error", err)
		writeJSONResponse(w, http.StatusOK, emptyAnalytics(period))
		return
	}
	var conversations, messages int
	if s.sessions != nil {
		conversations = s.sessions.Count()
		messages = s.sessions.MessageCount()
	}
	writeJSONResponse(w, http.StatusOK, computeAnalytics(period, orders, conversations, messages))
}

// systemStatusHandler handles GET /system-status.
func (s *Server) systemStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	status := SystemStatus{
		WhatsAppConnected: s.transportReady != nil && s.transportReady(),
		OpenAIConnected:   s.aiConfigured,
	}
	if err := s.orders.Ping(); err != nil {
		slog.Warn("Server.systemStatusHandler: store unreachable", "error", err)
	} else {
		status.DatabaseConnected = true
	}
	if s.sessions != nil {
		status.ActiveSessions = s.sessions.Count()
	}
	if s.pending != nil {
		status.PendingOrders = s.pending.PendingCount()
	}
	writeJSONResponse(w, http.StatusOK, status)
}

// customerNamesHandler handles GET /customer-names.
func (s *Server) customerNamesHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	names := map[string]string{}
	if s.sessions != nil {
		names = s.sessions.Names()
	}
	writeJSONResponse(w, http.StatusOK, names)
}

// chatsHandler handles GET /chats. Turns carry no timestamps, so the n-th
// of m turns is stamped m-n minutes before now.
func (s *Server) chatsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	chats := map[string][]ChatMessage{}
	if s.sessions == nil {
		writeJSONResponse(w, http.StatusOK, chats)
		return
	}
	now := s.now()
	names := s.sessions.Names()
	for identity, turns := range s.sessions.Snapshot() {
		var msgs []ChatMessage
		for i, t := range turns {
			ts := now.Add(-time.Duration(len(turns)-i) * time.Minute).Format(time.RFC3339)
			switch t.Role {
			case models.RoleUser:
				msgs = append(msgs, ChatMessage{
					ID:           fmt.Sprintf("%s-%d-user", identity, i),
					SenderID:     identity,
					Message:      t.Content,
					Timestamp:    ts,
					MessageType:  "incoming",
					CustomerName: names[identity],
				})
			case models.RoleAssistant:
				msgs = append(msgs, ChatMessage{
					ID:           fmt.Sprintf("%s-%d-bot", identity, i),
					SenderID:     "bot",
					Message:      t.Content,
					Timestamp:    ts,
					MessageType:  "outgoing",
					IsAIResponse: true,
				})
			}
		}
		if len(msgs) > 0 {
			chats[identity] = msgs
		}
	}
	writeJSONResponse(w, http.StatusOK, chats)
}

// debugSessionStoreHandler handles GET /debug/session-store.
func (s *Server) debugSessionStoreHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	conversations := map[string]SessionDebug{}
	if s.sessions != nil {
		for identity, turns := range s.sessions.Snapshot() {
			sample := turns
			if len(sample) > 2 {
				sample = sample[:2]
			}
			conversations[identity] = SessionDebug{
				MessageCount: len(turns),
				Sample:       sample,
				TokenCount:   s.sessions.TokenCount(identity),
				NeedsSummary: s.sessions.NeedsSummary(identity),
			}
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"total_conversations": len(conversations),
		"conversations":       conversations,
	})
}

// summarizeHandler handles POST /debug/session-store/summarize?identity=.
func (s *Server) summarizeHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("identity is required"))
		return
	}
	if s.sessions == nil || s.summarizer == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Summarization is not configured"))
		return
	}
	summary, err := s.sessions.Summarize(r.Context(), identity, s.summarizer)
	if errors.Is(err, session.ErrNoHistory) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No conversation for "+identity))
		return
	}
	if err != nil {
		slog.Error("Server.summarizeHandler: summarize failed", "identity", identity, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to summarize conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"identity":    identity,
		"summary":     summary,
		"token_count": s.sessions.TokenCount(identity),
	}))
}

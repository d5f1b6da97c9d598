package api

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

func turn(role models.Role, content string) models.ConversationTurn {
	return models.ConversationTurn{Role: role, Content: content}
}

func TestComputeAnalytics(t *testing.T) {
	day1 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	orders := []models.Order{
		{Item: "Beef", PriceOption: "$7.50/kg", PaymentMethod: "Ecocash", CreatedAt: day1},
		{Item: "Beef", PriceOption: "7", PaymentMethod: "Cash", CreatedAt: day2},
		{Item: "Pork", PriceOption: "market price", PaymentMethod: "Ecocash", CreatedAt: day2},
	}

	a := computeAnalytics("week", orders, 4, 20)

	if a.TotalOrders != 3 || a.TotalRevenue != 14.5 {
		t.Errorf("orders %d revenue %v", a.TotalOrders, a.TotalRevenue)
	}
	if a.AverageOrderValue < 4.83 || a.AverageOrderValue > 4.84 {
		t.Errorf("average = %v", a.AverageOrderValue)
	}
	if a.TotalConversations != 4 || a.TotalMessages != 20 {
		t.Errorf("conversations %d messages %d", a.TotalConversations, a.TotalMessages)
	}
	if len(a.TopProducts) != 2 || a.TopProducts[0] != (ProductCount{Name: "Beef", Orders: 2}) {
		t.Errorf("top products = %+v", a.TopProducts)
	}
	if len(a.PaymentMethods) != 2 || a.PaymentMethods[0] != (PaymentCount{Method: "Ecocash", Count: 2}) {
		t.Errorf("payment methods = %+v", a.PaymentMethods)
	}
	if len(a.OrdersByDay) != 2 || a.OrdersByDay[0].Date != "2025-06-01" || a.OrdersByDay[1].Orders != 2 {
		t.Errorf("orders by day = %+v", a.OrdersByDay)
	}
}

func TestPriceValue(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$7.50/kg", 7.5, true},
		{"12", 12, true},
		{"USD 3.2 per kg", 3.2, true},
		{"market price", 0, false},
		{"", 0, false},
		{"...", 0, false},
		{"Choice. $7.50", 7.5, true},
		{"Std.", 0, false},
	}
	for _, tt := range tests {
		got, ok := priceValue(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("priceValue(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPeriodStart(t *testing.T) {
	tests := []struct {
		in         string
		wantPeriod string
		wantDays   int
	}{
		{"day", "day", 1},
		{"", "week", 7},
		{"week", "week", 7},
		{"month", "month", 30},
		{"year", "month", 30},
	}
	for _, tt := range tests {
		period, since := periodStart(tt.in, fixedNow)
		if period != tt.wantPeriod || !since.Equal(fixedNow.AddDate(0, 0, -tt.wantDays)) {
			t.Errorf("periodStart(%q) = %s, %v", tt.in, period, since)
		}
	}
}

func TestAnalyticsHandler(t *testing.T) {
	ts := newTestServer(t)
	recent := models.Order{PhoneNumber: "263771111111", Item: "Beef", PriceOption: "7", CreatedAt: fixedNow.Add(-2 * time.Hour)}
	old := models.Order{PhoneNumber: "263771111111", Item: "Pork", PriceOption: "5", CreatedAt: fixedNow.AddDate(0, 0, -3)}
	ts.st.SaveOrder(&recent)
	ts.st.SaveOrder(&old)
	ts.sessions.Append("263771111111", turn(models.RoleUser, "hi"))

	var a Analytics
	decode(t, ts.do(t, http.MethodGet, "/analytics?period=day", ""), &a)
	if a.Period != "day" || a.TotalOrders != 1 || a.TotalRevenue != 7 || a.TotalConversations != 1 || a.TotalMessages != 1 {
		t.Errorf("day analytics = %+v", a)
	}
	decode(t, ts.do(t, http.MethodGet, "/analytics", ""), &a)
	if a.Period != "week" || a.TotalOrders != 2 {
		t.Errorf("week analytics = %+v", a)
	}

	ts.server.orders = brokenOrders{store.NewInMemoryStore()}
	rec := ts.do(t, http.MethodGet, "/analytics?period=month", "")
	var zero Analytics
	decode(t, rec, &zero)
	if rec.Code != http.StatusOK || zero.TotalOrders != 0 || zero.TopProducts == nil {
		t.Errorf("failure analytics = %d %+v", rec.Code, zero)
	}
}

func TestSystemStatusHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.sessions.Append("263771111111", turn(models.RoleUser, "hi"))

	var status SystemStatus
	decode(t, ts.do(t, http.MethodGet, "/system-status", ""), &status)
	want := SystemStatus{WhatsAppConnected: true, OpenAIConnected: false, DatabaseConnected: true, ActiveSessions: 1, PendingOrders: 2}
	if status != want {
		t.Errorf("status = %+v, want %+v", status, want)
	}

	ts.server.orders = brokenOrders{store.NewInMemoryStore()}
	ts.server.transportReady = func() bool { return false }
	decode(t, ts.do(t, http.MethodGet, "/system-status", ""), &status)
	if status.DatabaseConnected {
		t.Error("database reported connected while ping fails")
	}
	if status.WhatsAppConnected {
		t.Error("transport reported connected while it is down")
	}
}

func TestCustomerNamesAndChats(t *testing.T) {
	ts := newTestServer(t)
	ts.sessions.SetDisplayName("263771111111", "Tariro")
	ts.sessions.Append("263771111111", turn(models.RoleUser, "Do you have pork?"))
	ts.sessions.Append("263771111111", turn(models.RoleAssistant, "Yes, pork is in stock."))
	ts.sessions.SetDisplayName("263772222222", "Farai")

	var names map[string]string
	decode(t, ts.do(t, http.MethodGet, "/customer-names", ""), &names)
	if names["263771111111"] != "Tariro" || names["263772222222"] != "Farai" {
		t.Errorf("names = %v", names)
	}

	var chats map[string][]ChatMessage
	decode(t, ts.do(t, http.MethodGet, "/chats", ""), &chats)
	if len(chats) != 1 {
		t.Fatalf("chats = %v", chats)
	}
	msgs := chats["263771111111"]
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].ID != "263771111111-0-user" || msgs[0].MessageType != "incoming" || msgs[0].CustomerName != "Tariro" {
		t.Errorf("incoming = %+v", msgs[0])
	}
	if msgs[1].SenderID != "bot" || !msgs[1].IsAIResponse || msgs[1].MessageType != "outgoing" {
		t.Errorf("outgoing = %+v", msgs[1])
	}
	if msgs[0].Timestamp != fixedNow.Add(-2*time.Minute).Format(time.RFC3339) {
		t.Errorf("timestamp = %s", msgs[0].Timestamp)
	}
}

func TestDebugSessionStore(t *testing.T) {
	ts := newTestServer(t)
	for _, c := range []string{"one", "two", "three"} {
		ts.sessions.Append("263771111111", turn(models.RoleUser, c))
	}

	var body struct {
		Total         int                     `json:"total_conversations"`
		Conversations map[string]SessionDebug `json:"conversations"`
	}
	decode(t, ts.do(t, http.MethodGet, "/debug/session-store", ""), &body)
	entry := body.Conversations["263771111111"]
	if body.Total != 1 || entry.MessageCount != 3 || len(entry.Sample) != 2 || entry.Sample[0].Content != "one" {
		t.Errorf("debug = %+v", body)
	}
	if entry.TokenCount <= 0 || entry.NeedsSummary {
		t.Errorf("tokens %d needs summary %v", entry.TokenCount, entry.NeedsSummary)
	}
}

func TestSummarizeHandler(t *testing.T) {
	tests := []struct {
		name       string
		summarizer *fakeSummarizer
		method     string
		query      string
		seed       bool
		want       int
	}{
		{"success", &fakeSummarizer{summary: "Asked about pork."}, http.MethodPost, "?identity=263771111111", true, http.StatusOK},
		{"no history", &fakeSummarizer{summary: "x"}, http.MethodPost, "?identity=263779999999", true, http.StatusNotFound},
		{"missing identity", &fakeSummarizer{}, http.MethodPost, "", true, http.StatusBadRequest},
		{"upstream failure", &fakeSummarizer{err: errors.New("timeout")}, http.MethodPost, "?identity=263771111111", true, http.StatusBadGateway},
		{"not configured", nil, http.MethodPost, "?identity=263771111111", true, http.StatusServiceUnavailable},
		{"wrong method", &fakeSummarizer{}, http.MethodGet, "?identity=263771111111", true, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.summarizer != nil {
				opts = append(opts, WithSummarizer(*tt.summarizer))
			}
			ts := newTestServer(t, opts...)
			if tt.seed {
				ts.sessions.Append("263771111111", turn(models.RoleUser, "Do you have pork?"))
			}
			rec := ts.do(t, tt.method, "/debug/session-store/summarize"+tt.query, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusOK {
				var resp models.APIResponse
				decode(t, rec, &resp)
				result := resp.Result.(map[string]interface{})
				if result["summary"] != "Asked about pork." {
					t.Errorf("result = %v", result)
				}
				if len(ts.sessions.History("263771111111")) != 1 {
					t.Error("summarize must not change history")
				}
			}
		})
	}
}

package api

import (
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

var priceNumber = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ProductCount is an item with its order count.
type ProductCount struct {
	Name   string `json:"name"`
	Orders int    `json:"orders"`
}

// PaymentCount is a payment method with its order count.
type PaymentCount struct {
	Method string `json:"method"`
	Count  int    `json:"count"`
}

// DayCount is the number of orders created on one date.
type DayCount struct {
	Date    string  `json:"date"`
	Orders  int     `json:"orders"`
	Revenue float64 `json:"revenue"`
}

// Analytics summarises orders and conversations over a period.
type Analytics struct {
	Period             string         `json:"period"`
	TotalOrders        int            `json:"totalOrders"`
	TotalRevenue       float64        `json:"totalRevenue"`
	AverageOrderValue  float64        `json:"averageOrderValue"`
	TotalConversations int            `json:"totalConversations"`
	TotalMessages      int            `json:"totalMessages"`
	TopProducts        []ProductCount `json:"topProducts"`
	OrdersByDay        []DayCount     `json:"ordersByDay"`
	PaymentMethods     []PaymentCount `json:"paymentMethods"`
}

func emptyAnalytics(period string) Analytics {
	return Analytics{
		Period:         period,
		TopProducts:    []ProductCount{},
		OrdersByDay:    []DayCount{},
		PaymentMethods: []PaymentCount{},
	}
}

// periodStart maps day, week and month to a window start. Unknown periods
// use the month window; an empty period means week.
func periodStart(period string, now time.Time) (string, time.Time) {
	switch period {
	case "day":
		return period, now.AddDate(0, 0, -1)
	case "", "week":
		return "week", now.AddDate(0, 0, -7)
	default:
		return "month", now.AddDate(0, 0, -30)
	}
}

// priceValue returns the first numeric token of a price option, e.g. 7.5
// for "$7.50/kg".
func priceValue(price string) (float64, bool) {
	m := priceNumber.FindString(price)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func computeAnalytics(period string, orders []models.Order, conversations, messages int) Analytics {
	a := emptyAnalytics(period)
	a.TotalOrders = len(orders)
	a.TotalConversations = conversations
	a.TotalMessages = messages

	products := make(map[string]int)
	payments := make(map[string]int)
	days := make(map[string]*DayCount)
	for _, o := range orders {
		v, _ := priceValue(o.PriceOption)
		a.TotalRevenue += v
		if o.Item != "" {
			products[o.Item]++
		}
		if o.PaymentMethod != "" {
			payments[o.PaymentMethod]++
		}
		date := o.CreatedAt.Format("2006-01-02")
		d, ok := days[date]
		if !ok {
			d = &DayCount{Date: date}
			days[date] = d
		}
		d.Orders++
		d.Revenue += v
	}
	if a.TotalOrders > 0 {
		a.AverageOrderValue = a.TotalRevenue / float64(a.TotalOrders)
	}

	for name, n := range products {
		a.TopProducts = append(a.TopProducts, ProductCount{Name: name, Orders: n})
	}
	sort.Slice(a.TopProducts, func(i, j int) bool {
		if a.TopProducts[i].Orders != a.TopProducts[j].Orders {
			return a.TopProducts[i].Orders > a.TopProducts[j].Orders
		}
		return a.TopProducts[i].Name < a.TopProducts[j].Name
	})
	if len(a.TopProducts) > 5 {
		a.TopProducts = a.TopProducts[:5]
	}

	for method, n := range payments {
		a.PaymentMethods = append(a.PaymentMethods, PaymentCount{Method: method, Count: n})
	}
	sort.Slice(a.PaymentMethods, func(i, j int) bool {
		if a.PaymentMethods[i].Count != a.PaymentMethods[j].Count {
			return a.PaymentMethods[i].Count > a.PaymentMethods[j].Count
		}
		return a.PaymentMethods[i].Method < a.PaymentMethods[j].Method
	})

	for _, d := range days {
		a.OrdersByDay = append(a.OrdersByDay, *d)
	}
	sort.Slice(a.OrdersByDay, func(i, j int) bool { return a.OrdersByDay[i].Date < a.OrdersByDay[j].Date })
	return a
}

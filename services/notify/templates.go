package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/tradeloft/marketplace/services/orders"
)

var statusHeadlines = map[orders.Status]string{
	orders.StatusRequested:         "New design request",
	orders.StatusAccepted:          "Your design request was accepted",
	orders.StatusInProgress:        "Work has started on your design",
	orders.StatusDelivered:         "Your design has been delivered",
	orders.StatusRevisionRequested: "A revision was requested",
	orders.StatusCompleted:         "Order completed",
	orders.StatusDisputed:          "An order is in dispute",
	orders.StatusRefunded:          "Order refunded",
	orders.StatusCancelled:         "Order cancelled",
}

var orderEmail = template.Must(template.New("order").Parse(`<p>{{.Headline}}</p>
<p><strong>{{.Title}}</strong></p>
{{- if .Note}}
<blockquote>{{.Note}}</blockquote>
{{- end}}
<p><a href="{{.Link}}">View the order</a></p>
`))

type orderEmailData struct {
	Headline string
	Title    string
	Note     string
	Link     string
}

// renderOrderEmail builds the message sent when order reaches event.To.
func renderOrderEmail(appURL string, order orders.Order, event orders.Event) (Email, error) {
	headline, ok := statusHeadlines[event.To]
	if !ok {
		headline = fmt.Sprintf("Order status changed to %s", event.To)
	}
	data := orderEmailData{
		Headline: headline,
		Title:    order.Title,
		Note:     event.Note,
		Link:     strings.TrimSuffix(appURL, "/") + "/designer-orders/" + order.ID,
	}

	var html bytes.Buffer
	if err := orderEmail.Execute(&html, data); err != nil {
		return Email{}, fmt.Errorf("render order email: %w", err)
	}

	text := headline + ": " + order.Title + "\n"
	if event.Note != "" {
		text += event.Note + "\n"
	}
	text += data.Link + "\n"

	return Email{
		Subject: headline + ": " + order.Title,
		HTML:    html.String(),
		Text:    text,
	}, nil
}

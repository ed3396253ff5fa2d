// Package view renders the HTML status page with gomponents.
package view

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"maragu.dev/gomponents"
	hx "maragu.dev/gomponents-htmx"
	. "maragu.dev/gomponents/html"

	"github.com/nfrund/listsync/internal/subscription"
)

const htmxScript = "https://unpkg.com/htmx.org@2.0.4"

// StatusPage is the full status document. The topic table refreshes itself
// from tableURL every refresh seconds.
func StatusPage(stats subscription.Stats, topics []subscription.TopicInfo, tableURL string, refresh int) gomponents.Node {
	return Doctype(
		HTML(
			Lang("en"),
			Head(
				Meta(Charset("utf-8")),
				TitleEl(gomponents.Text("listsync status")),
				Script(Src(htmxScript)),
			),
			Body(
				Class("container mx-auto p-8 font-sans"),
				H1(Class("text-2xl font-bold mb-4"), gomponents.Text("listsync")),
				StatusTable(stats, topics, tableURL, refresh),
			),
		),
	)
}

// StatusTable is the self-refreshing fragment holding the registry summary.
func StatusTable(stats subscription.Stats, topics []subscription.TopicInfo, tableURL string, refresh int) gomponents.Node {
	return Div(
		ID("status-table"),
		hx.Get(tableURL),
		hx.Trigger(fmt.Sprintf("every %ds", refresh)),
		hx.Swap("outerHTML"),
		P(
			Class("mb-2 text-gray-700"),
			gomponents.Textf("%d topics, %d subscriptions", stats.TopicCount, stats.SubscriberCount),
		),
		gomponents.If(len(topics) == 0,
			P(Class("text-gray-500"), gomponents.Text("No topics yet.")),
		),
		gomponents.If(len(topics) > 0,
			Table(
				Class("table-auto border-collapse"),
				THead(Tr(
					Th(gomponents.Text("Key")),
					Th(gomponents.Text("Version")),
					Th(gomponents.Text("Items")),
					Th(gomponents.Text("Subscribers")),
				)),
				TBody(gomponents.Map(topics, topicRow)),
			),
		),
	)
}

func topicRow(t subscription.TopicInfo) gomponents.Node {
	return Tr(
		Td(Code(gomponents.Text(t.Key))),
		Td(gomponents.Textf("%d", t.Version)),
		Td(gomponents.Textf("%d", t.Items)),
		Td(gomponents.Textf("%d", t.Subscribers)),
	)
}

// Render writes node as an HTML response.
func Render(c echo.Context, status int, node gomponents.Node) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(status)
	return node.Render(c.Response())
}

// RenderOK writes node with status 200.
func RenderOK(c echo.Context, node gomponents.Node) error {
	return Render(c, http.StatusOK, node)
}

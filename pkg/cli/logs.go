package cli

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mcpscope/mcpscope/pkg/capture"
)

type logsOptions struct {
	server   string
	session  string
	method   string
	client   string
	duration string
	tokens   string
	after    string
	before   string
	limit    int
	order    string
}

var logsFlags logsOptions

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Query the capture log",
	Long: `Query captured MCP traffic.

Filter values take an optional operator prefix (is:, contains: for string
fields; eq:, gt:, lt:, gte:, lte: for duration and tokens) and commas for
alternatives:

  mcpscope logs --method is:tools/list,tools/call
  mcpscope logs --server prod --duration gt:500`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLogs()
	},
}

func init() {
	f := logsCmd.Flags()
	f.StringVar(&logsFlags.server, "server", "", "Filter by server name")
	f.StringVar(&logsFlags.session, "session", "", "Filter by session id")
	f.StringVar(&logsFlags.method, "method", "", "Filter by JSON-RPC method")
	f.StringVar(&logsFlags.client, "client", "", "Filter by client name")
	f.StringVar(&logsFlags.duration, "duration", "", "Filter by duration in ms (e.g. gt:500)")
	f.StringVar(&logsFlags.tokens, "tokens", "", "Filter by reported token usage")
	f.StringVar(&logsFlags.after, "after", "", "Only records after this RFC3339 timestamp")
	f.StringVar(&logsFlags.before, "before", "", "Only records before this RFC3339 timestamp")
	f.IntVar(&logsFlags.limit, "limit", 20, "Number of records to show")
	f.StringVar(&logsFlags.order, "order", "", "Sort order: asc or desc")
	rootCmd.AddCommand(logsCmd)
}

func logsParams() url.Values {
	params := url.Values{}
	set := func(key, val string) {
		if val != "" {
			params.Set(key, val)
		}
	}
	set("server", logsFlags.server)
	set("session", logsFlags.session)
	set("method", logsFlags.method)
	set("client", logsFlags.client)
	set("duration", logsFlags.duration)
	set("tokens", logsFlags.tokens)
	set("after", logsFlags.after)
	set("before", logsFlags.before)
	set("order", logsFlags.order)
	if logsFlags.limit > 0 {
		params.Set("limit", fmt.Sprint(logsFlags.limit))
	}
	return params
}

func runLogs() error {
	var result capture.QueryResult
	if err := newAdminClient(adminURL).get("/api/logs", logsParams(), &result); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(os.Stdout, result)
	}

	if len(result.Data) == 0 {
		fmt.Println("No records.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSERVER\tSESSION\tMETHOD\tSTATUS\tDURATION\tKIND")
	for _, rec := range result.Data {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%dms\t%s\n",
			rec.Timestamp.Local().Format("15:04:05.000"),
			rec.Metadata.ServerName,
			shorten(rec.Metadata.SessionID, 12),
			rec.Method,
			rec.Metadata.HTTPStatus,
			rec.Metadata.DurationMs,
			recordKind(rec),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if result.Pagination.HasMore && result.Pagination.OldestTimestamp != nil {
		fmt.Printf("\nMore records available; continue with --before %s\n",
			result.Pagination.OldestTimestamp.Format("2006-01-02T15:04:05.999999999Z07:00"))
	}
	return nil
}

func recordKind(rec *capture.Record) string {
	switch {
	case rec.Request != nil:
		return "request"
	case rec.Response != nil:
		return "response"
	default:
		return "sse"
	}
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mcpscope/mcpscope/pkg/capture"
	"github.com/mcpscope/mcpscope/pkg/query"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List servers seen in the capture log and the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Servers []query.ServerSummary `json:"servers"`
		}
		if err := newAdminClient(adminURL).get("/api/servers", nil, &body); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, body.Servers)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tEXCHANGES\tLAST ACTIVITY")
		for _, s := range body.Servers {
			last := "-"
			if !s.LastActivity.IsZero() {
				last = s.LastActivity.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, s.Status, s.ExchangeCount, last)
		}
		return w.Flush()
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List capture sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Sessions []capture.SessionAggregate `json:"sessions"`
		}
		if err := newAdminClient(adminURL).get("/api/sessions", nil, &body); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, body.Sessions)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSERVER\tCLIENT\tRECORDS\tSTARTED\tLAST")
		for _, s := range body.Sessions {
			client := s.ClientName
			if client == "" {
				client = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				shorten(s.SessionID, 16), s.ServerName, client, s.LogCount,
				s.StartTime.Local().Format("15:04:05"),
				s.EndTime.Local().Format("15:04:05"))
		}
		return w.Flush()
	},
}

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List MCP clients seen in the capture log",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Clients []capture.ClientAggregate `json:"clients"`
		}
		if err := newAdminClient(adminURL).get("/api/clients", nil, &body); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, body.Clients)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CLIENT\tVERSION\tRECORDS\tSESSIONS")
		for _, c := range body.Clients {
			version := c.ClientVersion
			if version == "" {
				version = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", c.ClientName, version, c.LogCount, c.SessionCount)
		}
		return w.Flush()
	},
}

var methodsCmd = &cobra.Command{
	Use:   "methods",
	Short: "List JSON-RPC methods seen in the capture log",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Methods []string `json:"methods"`
		}
		if err := newAdminClient(adminURL).get("/api/methods", nil, &body); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, body.Methods)
		}
		for _, m := range body.Methods {
			fmt.Println(m)
		}
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all capture records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAdminClient(adminURL).delete("/api/logs"); err != nil {
			return err
		}
		fmt.Println("Capture log cleared.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serversCmd, sessionsCmd, clientsCmd, methodsCmd, clearCmd)
}

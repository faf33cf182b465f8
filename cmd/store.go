package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/paymcp/paymcp/internal/store"
	"github.com/paymcp/paymcp/pkg/logging"
)

var storeServer bool

func newStoreCmd() *cobra.Command {
	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the credential store",
	}
	storeCmd.PersistentFlags().BoolVar(&storeServer, "server", false, "Use server.store instead of client.store")

	storeCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored access tokens",
		Long: `Lists the access tokens in the configured credential store, one per
(user, resource) pair. Token values are truncated.`,
		Args: cobra.NoArgs,
		RunE: runStoreList,
	})
	return storeCmd
}

func runStoreList(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sc := cfg.Client.Store
	if storeServer {
		sc = cfg.Server.Store
	}

	s, err := openStore(cmd.Context(), sc, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	lister, ok := s.(store.Lister)
	if !ok {
		return fmt.Errorf("store driver %q cannot list tokens", sc.Driver)
	}
	records, err := lister.ListAccessTokens(cmd.Context())
	if err != nil {
		return err
	}
	renderTokens(cmd.OutOrStdout(), records, time.Now())
	return nil
}

// renderTokens writes records as a table. Tokens are never printed in full.
func renderTokens(w io.Writer, records []store.TokenRecord, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No stored tokens"))
		return
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].UserID != records[j].UserID {
			return records[i].UserID < records[j].UserID
		}
		return records[i].ResourceURL < records[j].ResourceURL
	})

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"USER", "RESOURCE", "TOKEN", "REFRESH", "EXPIRES"})

	for _, r := range records {
		refresh := "no"
		if r.Token.RefreshToken != "" {
			refresh = "yes"
		}
		t.AppendRow(table.Row{
			r.UserID,
			r.ResourceURL,
			logging.TruncateID(r.Token.AccessToken, 8),
			refresh,
			expiry(r.Token.ExpiresAt, now),
		})
	}
	t.Render()
}

func expiry(at, now time.Time) string {
	switch {
	case at.IsZero():
		return "never"
	case !at.After(now):
		return text.FgRed.Sprint("expired")
	default:
		return at.Sub(now).Round(time.Second).String()
	}
}

func init() {
	rootCmd.AddCommand(newStoreCmd())
}

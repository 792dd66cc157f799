package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/mail"
)

var (
	listTags    []string
	listQuery   string
	listSearch  string
	listOrder   string
	listLimit   int
	listJSON    bool
	listAccount string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List mirrored messages",
	Long: `List messages from the local mirror of an account (the active one by
default). Nothing is fetched; run 'mailmirror sync' first.

Tags are OR-ed together. A --query overrides tags and supports operators
like from:, to:, subject:, label:, is:unread, is:starred, in:<category>.
--search narrows the result by free text.

Examples:
  mailmirror list
  mailmirror list --tag unread --tag starred
  mailmirror list --query 'from:alice is:unread'
  mailmirror list --search invoice --order priority --limit 50`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := buildSpec(listTags, listQuery, listSearch)
		if err != nil {
			return err
		}
		order, err := filter.ParseOrder(listOrder)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, _, cleanup, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		items, err := a.View(ctx, listAccount, spec, order)
		if err != nil {
			return syncError(listAccount, err)
		}
		total := len(items)
		if listLimit > 0 && len(items) > listLimit {
			items = items[:listLimit]
		}

		if listJSON {
			return outputItemsJSON(os.Stdout, items)
		}
		if len(items) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		outputItemsTable(os.Stdout, items)
		fmt.Printf("\nShowing %d of %d message(s)\n", len(items), total)
		return nil
	},
}

// buildSpec turns flag values into a filter spec. Tags may be repeated or
// comma-separated.
func buildSpec(tags []string, query, search string) (filter.Spec, error) {
	var spec filter.Spec
	for _, t := range tags {
		for _, name := range strings.Split(t, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			c, err := category.ParseCategory(name)
			if err != nil {
				return filter.Spec{}, err
			}
			spec.Tags = append(spec.Tags, c)
		}
	}
	spec.Query = strings.TrimSpace(query)
	spec.Search = strings.TrimSpace(search)
	return spec, nil
}

// truncate shortens s to at most width terminal cells.
func truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "…")
}

func flagsFor(it mail.Item) string {
	var b strings.Builder
	b.WriteByte(pick(!it.IsRead, 'U', ' '))
	b.WriteByte(pick(it.IsStarred, '*', ' '))
	b.WriteByte(pick(it.RequiresAction, '!', ' '))
	return b.String()
}

func pick(cond bool, yes, no byte) byte {
	if cond {
		return yes
	}
	return no
}

func fromName(it mail.Item) string {
	if it.Sender.Name != "" {
		return it.Sender.Name
	}
	return it.Sender.Address
}

func outputItemsTable(out io.Writer, items []mail.Item) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFLAGS\tDATE\tFROM\tSUBJECT\tPRIORITY")
	fmt.Fprintln(w, "──\t─────\t────\t────\t───────\t────────")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			it.ID,
			flagsFor(it),
			it.Timestamp.Local().Format("2006-01-02 15:04"),
			truncate(fromName(it), 24),
			truncate(it.Subject, 50),
			it.Priority,
		)
	}
	w.Flush()
}

type itemJSON struct {
	ID              string   `json:"id"`
	ThreadID        string   `json:"thread_id,omitempty"`
	Date            string   `json:"date"`
	From            string   `json:"from"`
	Subject         string   `json:"subject"`
	Categories      []string `json:"categories"`
	Labels          []string `json:"labels,omitempty"`
	IsRead          bool     `json:"is_read"`
	IsStarred       bool     `json:"is_starred"`
	Priority        string   `json:"priority"`
	RequiresAction  bool     `json:"requires_action,omitempty"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
	SyncStatus      string   `json:"sync_status"`
}

func outputItemsJSON(out io.Writer, items []mail.Item) error {
	rows := make([]itemJSON, len(items))
	for i, it := range items {
		rows[i] = itemJSON{
			ID:              it.ID,
			ThreadID:        it.ThreadID,
			Date:            it.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
			From:            it.Sender.Address,
			Subject:         it.Subject,
			Categories:      category.Categorize(it).Strings(),
			Labels:          it.Labels,
			IsRead:          it.IsRead,
			IsStarred:       it.IsStarred,
			Priority:        it.Priority.String(),
			RequiresAction:  it.RequiresAction,
			SuggestedAction: it.SuggestedAction,
			SyncStatus:      string(it.SyncStatus),
		}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func init() {
	listCmd.Flags().StringArrayVarP(&listTags, "tag", "t", nil, "category to include (repeatable)")
	listCmd.Flags().StringVarP(&listQuery, "query", "q", "", "search query (overrides tags)")
	listCmd.Flags().StringVarP(&listSearch, "search", "s", "", "free-text filter")
	listCmd.Flags().StringVar(&listOrder, "order", "date", "sort order: date or priority")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "maximum messages to show (0 for all)")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON")
	listCmd.Flags().StringVar(&listAccount, "account", "", "account email (default: the active account)")
	rootCmd.AddCommand(listCmd)
}

package notify

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

// Console prints follower results to a terminal.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole creates a reporter that writes to stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter creates a reporter for tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// PrintResult prints one follower result. In table mode the orders it placed
// are listed below the summary line.
func (c *Console) PrintResult(res domain.FollowResult) {
	fmt.Fprintf(c.out, "[%s] %s %s → %s | filled %.2f remaining %.2f avg %s | %d orders\n",
		time.Now().Format("15:04:05"), res.Side, shortToken(res.TokenID), res.Status,
		res.Filled, res.Remaining, avgLabel(res.AvgPrice), len(res.Orders))

	if c.table && len(res.Orders) > 0 {
		c.printOrders(res.Orders)
	}
}

// PrintRuns prints journaled runs, most recent first.
func (c *Console) PrintRuns(runs []domain.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(c.out, "  No runs journaled for this token.")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Run", "Finished", "Side", "Status", "Filled", "Remaining", "Avg", "Orders", "Error")
	for _, r := range runs {
		table.Append(
			shortID(r.RunID),
			r.FinishedAt.Local().Format("01-02 15:04:05"),
			string(r.Result.Side),
			string(r.Result.Status),
			fmt.Sprintf("%.2f", r.Result.Filled),
			fmt.Sprintf("%.2f", r.Result.Remaining),
			avgLabel(r.Result.AvgPrice),
			fmt.Sprintf("%d", len(r.Result.Orders)),
			truncate(r.Err, 30),
		)
	}
	table.Render()

	var bought, sold, cost, proceeds float64
	for _, r := range runs {
		if r.Result.AvgPrice == nil {
			continue
		}
		switch r.Result.Side {
		case domain.SideBuy:
			bought += r.Result.Filled
			cost += r.Result.Filled * *r.Result.AvgPrice
		case domain.SideSell:
			sold += r.Result.Filled
			proceeds += r.Result.Filled * *r.Result.AvgPrice
		}
	}
	fmt.Fprintf(c.out, "  Bought %.2f shares for $%.4f | Sold %.2f shares for $%.4f\n",
		bought, cost, sold, proceeds)
}

func (c *Console) printOrders(orders []domain.OrderRecord) {
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Order", "Side", "Price", "Size", "Filled", "Avg", "Status")
	for i, o := range orders {
		avg := "-"
		if o.Filled > 0 {
			avg = fmt.Sprintf("%.4f", o.AvgPrice)
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			shortID(o.ID),
			string(o.Side),
			fmt.Sprintf("%.4f", o.Price),
			fmt.Sprintf("%.2f", o.Size),
			fmt.Sprintf("%.2f", o.Filled),
			avg,
			string(o.Status),
		)
	}
	table.Render()
}

// --- helpers ---

func avgLabel(avg *float64) string {
	if avg == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *avg)
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "0x")
	if len(id) > 10 {
		return id[:10]
	}
	return id
}

func shortToken(id string) string {
	if len(id) > 14 {
		return id[:6] + "…" + id[len(id)-6:]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

package analysis

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"

	"cell_analysis/pkg/models"
)

// renderPreview formats up to maxRows comparison records as a fixed-width
// table for prompt embedding. The row cap keeps the preview's contribution to
// the prompt bounded before character-level truncation kicks in.
func renderPreview(records []models.ComparisonRecord, maxRows int) string {
	if len(records) == 0 {
		return "(no comparison records)"
	}

	shown := records
	truncated := 0
	if maxRows > 0 && len(records) > maxRows {
		shown = records[:maxRows]
		truncated = len(records) - maxRows
	}

	rows := make([][]string, 0, len(shown))
	for _, r := range shown {
		rows = append(rows, []string{
			r.PEGName,
			formatFloat(r.N1.Avg),
			formatFloat(r.N.Avg),
			formatFloat(r.ChangePct),
			string(r.Trend),
			string(r.Significance),
			string(r.DataQuality),
			fmt.Sprintf("%d/%d", r.N1.Count, r.N.Count),
		})
	}

	var buf strings.Builder
	table := tablewriter.NewWriter(&buf)
	table.Header("PEG", "N-1 AVG", "N AVG", "CHANGE %", "TREND", "SIGNIFICANCE", "QUALITY", "SAMPLES")
	if err := table.Bulk(rows); err != nil {
		return plainPreview(shown, truncated)
	}
	if err := table.Render(); err != nil {
		return plainPreview(shown, truncated)
	}

	if truncated > 0 {
		fmt.Fprintf(&buf, "... %d more records omitted\n", truncated)
	}
	return buf.String()
}

// plainPreview is the degraded rendering when the table writer refuses the
// rows. The model still needs the numbers, just without the box drawing.
func plainPreview(records []models.ComparisonRecord, truncated int) string {
	var buf strings.Builder
	for _, r := range records {
		fmt.Fprintf(&buf, "%s: n1=%s n=%s change=%s%% trend=%s significance=%s quality=%s samples=%d/%d\n",
			r.PEGName, formatFloat(r.N1.Avg), formatFloat(r.N.Avg), formatFloat(r.ChangePct),
			r.Trend, r.Significance, r.DataQuality, r.N1.Count, r.N.Count)
	}
	if truncated > 0 {
		fmt.Fprintf(&buf, "... %d more records omitted\n", truncated)
	}
	return buf.String()
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

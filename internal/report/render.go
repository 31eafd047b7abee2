package report

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Renderer turns content into the binary document that gets stored and hashed.
type Renderer interface {
	Render(ctx context.Context, c Content) ([]byte, error)
	ContentType() string
}

// NewRenderer picks a renderer by configured name.
func NewRenderer(name string) (Renderer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "text":
		return TextRenderer{}, nil
	case "json":
		return JSONRenderer{}, nil
	default:
		return nil, fmt.Errorf("unknown renderer %q", name)
	}
}

// JSONRenderer emits the canonical JSON document.
type JSONRenderer struct{}

func (JSONRenderer) Render(ctx context.Context, c Content) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Canonical(c)
}

func (JSONRenderer) ContentType() string { return "application/json" }

// TextRenderer lays the report out as plain-text tables.
type TextRenderer struct{}

func (TextRenderer) ContentType() string { return "text/plain; charset=utf-8" }

func (TextRenderer) Render(ctx context.Context, c Content) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if c.Emergency != nil {
		fmt.Fprintf(&buf, "*** EMERGENCY ISSUE ***\nReason: %s\nRequested by: %s\n\n", c.Emergency.Reason, c.Emergency.RequestedBy)
	}
	fmt.Fprintf(&buf, "ASSESSMENT REPORT %s\n\n", c.BatchID)

	general := table.NewWriter()
	general.SetOutputMirror(&buf)
	general.SetTitle("1. General data")
	general.AppendRows([]table.Row{
		{"Cohort", c.General.Cohort},
		{"Batch", fmt.Sprintf("%s (#%d)", c.General.BatchTitle, c.General.Ordinal)},
		{"Period", fmt.Sprintf("%s to %s", c.General.PeriodStart, c.General.PeriodEnd)},
		{"Evaluated", fmt.Sprintf("%d of %d (%.1f%%)", c.General.Evaluated, c.General.Released, c.General.CompletionRate)},
		{"Deactivated", c.General.Deactivated},
	})
	for _, lvl := range sortedKeys(c.General.SampleByLevel) {
		general.AppendRow(table.Row{"Sample " + lvl, c.General.SampleByLevel[lvl]})
	}
	general.Render()
	buf.WriteString("\n")

	scores := table.NewWriter()
	scores.SetOutputMirror(&buf)
	scores.SetTitle("2. Scores by dimension")
	scores.AppendHeader(table.Row{"#", "Dimension", "Polarity", "N", "Mean", "SD", "Mean-SD", "Mean+SD", "Risk", "Signal", "Action"})
	for _, s := range c.Scores {
		scores.AppendRow(table.Row{
			s.Dimension.Number, s.Dimension.Domain, s.Dimension.Polarity, s.Responses,
			fmt.Sprintf("%.1f", s.Mean), fmt.Sprintf("%.1f", s.StdDev),
			fmt.Sprintf("%.1f", s.Lower), fmt.Sprintf("%.1f", s.Upper),
			s.Risk, strings.ToUpper(string(s.Signal)), s.Action,
		})
	}
	scores.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})
	scores.Render()
	buf.WriteString("\n")

	fmt.Fprintf(&buf, "3. Interpretation\n%s\n\n", c.Interpretation.Summary)
	for _, s := range c.Scores {
		if s.Risk == RiskLow || s.Responses == 0 {
			continue
		}
		fmt.Fprintf(&buf, "- %d %s: %s\n", s.Dimension.Number, s.Dimension.Domain, s.Dimension.Recommendation)
	}
	fmt.Fprintf(&buf, "\n4. Conclusion\n%s\nIssued on %s, valid until %s.\nIssuer: %s (%s)\n",
		c.Conclusion.Statement, c.Conclusion.IssuedOn, c.Conclusion.ValidUntil, c.Conclusion.IssuerName, c.Conclusion.IssuerID)
	return buf.Bytes(), nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

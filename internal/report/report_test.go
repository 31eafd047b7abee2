package report_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchline/internal/report"
)

func sampleInput() report.Input {
	in := report.Input{
		BatchID:          "b-1",
		CohortID:         "c-1",
		CohortName:       "Acme",
		Title:            "Cycle 1",
		Ordinal:          1,
		TotalCount:       3,
		CompletedCount:   2,
		DeactivatedCount: 1,
		IssuerID:         "i-1",
		IssuerName:       "Dr. Issuer",
		IssuedAt:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, a := range []struct {
		id  string
		val float64
	}{{"a-1", 20}, {"a-2", 40}} {
		in.Samples = append(in.Samples,
			report.Sample{AssessmentID: a.id, Dimension: 1, Value: a.val},
			report.Sample{AssessmentID: a.id, Dimension: 2, Value: 100 - a.val},
			report.Sample{AssessmentID: a.id, Dimension: 7, Value: 80},
		)
	}
	return in
}

func TestBandsClassify(t *testing.T) {
	b := report.DefaultBands
	cases := []struct {
		mean float64
		pol  report.Polarity
		want report.Risk
	}{
		{70, report.Positive, report.RiskLow},
		{66, report.Positive, report.RiskMedium},
		{33, report.Positive, report.RiskMedium},
		{32.9, report.Positive, report.RiskHigh},
		{10, report.Negative, report.RiskLow},
		{33, report.Negative, report.RiskMedium},
		{66, report.Negative, report.RiskMedium},
		{66.1, report.Negative, report.RiskHigh},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, b.Classify(tc.mean, tc.pol), "mean=%v polarity=%s", tc.mean, tc.pol)
	}
}

func TestBuildAggregatesPerDimension(t *testing.T) {
	c, err := report.Build(sampleInput(), nil, report.DefaultBands)
	require.NoError(t, err)
	require.Len(t, c.Scores, len(report.DefaultDimensions))

	d1 := c.Scores[0]
	assert.Equal(t, 1, d1.Dimension.Number)
	assert.Equal(t, 30.0, d1.Mean)
	assert.Equal(t, 14.1, d1.StdDev)
	assert.Equal(t, 15.9, d1.Lower)
	assert.Equal(t, 44.1, d1.Upper)
	assert.Equal(t, report.RiskLow, d1.Risk)
	assert.Equal(t, report.SignalGreen, d1.Signal)

	d7 := c.Scores[6]
	assert.Equal(t, report.RiskHigh, d7.Risk)
	assert.Equal(t, report.SignalRed, d7.Signal)

	d3 := c.Scores[2]
	assert.Equal(t, 0, d3.Responses)
	assert.Equal(t, "Insufficient data", d3.Action)

	assert.Equal(t, 2, c.General.Released)
	assert.Equal(t, 100.0, c.General.CompletionRate)
	assert.Equal(t, map[string]int{"operational": 2}, c.General.SampleByLevel)
	assert.Equal(t, "2024-12-30", c.Conclusion.ValidUntil)
	assert.Contains(t, c.Interpretation.Summary, "7 - Health and well-being")
}

func TestBuildRejectsMalformedInput(t *testing.T) {
	in := sampleInput()
	in.Samples = append(in.Samples, report.Sample{AssessmentID: "a-1", Dimension: 42, Value: 1})
	_, err := report.Build(in, nil, report.DefaultBands)
	assert.True(t, errors.Is(err, report.ErrMalformed))

	in = sampleInput()
	in.Samples[0].Value = 101
	_, err = report.Build(in, nil, report.DefaultBands)
	assert.ErrorIs(t, err, report.ErrMalformed)

	in = sampleInput()
	in.Samples = nil
	_, err = report.Build(in, nil, report.DefaultBands)
	assert.ErrorIs(t, err, report.ErrMalformed)

	_, err = report.Build(sampleInput(), nil, report.Bands{Low: 70, High: 30})
	assert.ErrorIs(t, err, report.ErrMalformed)
}

func TestBuildIgnoresSampleOrder(t *testing.T) {
	in := sampleInput()
	a, err := report.Build(in, nil, report.DefaultBands)
	require.NoError(t, err)
	for i, j := 0, len(in.Samples)-1; i < j; i, j = i+1, j-1 {
		in.Samples[i], in.Samples[j] = in.Samples[j], in.Samples[i]
	}
	b, err := report.Build(in, nil, report.DefaultBands)
	require.NoError(t, err)

	ca, err := report.Canonical(a)
	require.NoError(t, err)
	cb, err := report.Canonical(b)
	require.NoError(t, err)
	assert.Equal(t, report.Digest(ca), report.Digest(cb))
}

func TestRenderers(t *testing.T) {
	c, err := report.Build(sampleInput(), nil, report.DefaultBands)
	require.NoError(t, err)
	c.Emergency = &report.Emergency{Reason: "regulatory deadline tomorrow", RequestedBy: "u-9"}

	txt, err := report.TextRenderer{}.Render(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(txt, []byte("*** EMERGENCY ISSUE ***")))
	assert.Contains(t, strings.ToLower(string(txt)), "scores by dimension")
	assert.Contains(t, string(txt), "3. Interpretation")
	assert.Contains(t, string(txt), "Dr. Issuer")

	js, err := report.JSONRenderer{}.Render(context.Background(), c)
	require.NoError(t, err)
	canon, err := report.Canonical(c)
	require.NoError(t, err)
	assert.Equal(t, canon, js)

	_, err = report.NewRenderer("pdf")
	assert.Error(t, err)
	r, err := report.NewRenderer("")
	require.NoError(t, err)
	assert.IsType(t, report.TextRenderer{}, r)
}

func TestRenderHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := report.TextRenderer{}.Render(ctx, report.Content{})
	assert.ErrorIs(t, err, context.Canceled)
}

package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// ErrMalformed marks input that can never produce a report. Retrying does not help.
var ErrMalformed = errors.New("malformed report content")

// Sample is one answer of a completed, non-deactivated assessment.
type Sample struct {
	AssessmentID string
	SubjectLevel string
	Dimension    int
	Value        float64
}

// Input is everything the builder reads. Loading it is the caller's job.
type Input struct {
	BatchID          string
	CohortID         string
	CohortName       string
	Title            string
	Ordinal          int
	ReleasedAt       string
	FirstStartedAt   string
	LastSubmittedAt  string
	TotalCount       int
	CompletedCount   int
	DeactivatedCount int
	Samples          []Sample
	IssuerID         string
	IssuerName       string
	IssuedAt         time.Time
	Emergency        *Emergency
}

type Emergency struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

type General struct {
	Cohort         string         `json:"cohort"`
	CohortID       string         `json:"cohort_id"`
	BatchTitle     string         `json:"batch_title"`
	Ordinal        int            `json:"ordinal"`
	PeriodStart    string         `json:"period_start"`
	PeriodEnd      string         `json:"period_end"`
	Evaluated      int            `json:"evaluated"`
	Released       int            `json:"released"`
	Deactivated    int            `json:"deactivated"`
	CompletionRate float64        `json:"completion_rate"`
	SampleByLevel  map[string]int `json:"sample_by_level"`
}

type Score struct {
	Dimension Dimension `json:"dimension"`
	Responses int       `json:"responses"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"std_dev"`
	Lower     float64   `json:"lower"`
	Upper     float64   `json:"upper"`
	Risk      Risk      `json:"risk"`
	Signal    Signal    `json:"signal"`
	Action    string    `json:"action"`
}

type Interpretation struct {
	Summary    string `json:"summary"`
	LowRisk    []int  `json:"low_risk"`
	MediumRisk []int  `json:"medium_risk"`
	HighRisk   []int  `json:"high_risk"`
}

type Conclusion struct {
	Statement  string `json:"statement"`
	IssuedOn   string `json:"issued_on"`
	ValidUntil string `json:"valid_until"`
	IssuerID   string `json:"issuer_id"`
	IssuerName string `json:"issuer_name"`
}

// Content is the structured report that renderers turn into bytes.
type Content struct {
	BatchID        string         `json:"batch_id"`
	General        General        `json:"general"`
	Scores         []Score        `json:"scores"`
	Interpretation Interpretation `json:"interpretation"`
	Conclusion     Conclusion     `json:"conclusion"`
	Emergency      *Emergency     `json:"emergency,omitempty"`
}

// ValidityPeriod is how long an issued report is considered current.
const ValidityPeriod = 364 * 24 * time.Hour

const conclusionText = "This report does not diagnose any individual condition. It indicates collective symptoms only. " +
	"Data is strictly aggregated and anonymous."

// Build turns samples into the content model. Samples must already be limited
// to completed, non-deactivated assessments.
func Build(in Input, dims []Dimension, bands Bands) (Content, error) {
	if len(dims) == 0 {
		dims = DefaultDimensions
	}
	if bands.Low <= 0 || bands.High <= bands.Low || bands.High >= 100 {
		return Content{}, fmt.Errorf("%w: invalid bands %v/%v", ErrMalformed, bands.Low, bands.High)
	}
	if in.BatchID == "" {
		return Content{}, fmt.Errorf("%w: batch id required", ErrMalformed)
	}
	if in.CompletedCount <= 0 || len(in.Samples) == 0 {
		return Content{}, fmt.Errorf("%w: no completed assessments", ErrMalformed)
	}
	known := make(map[int]bool, len(dims))
	for _, d := range dims {
		known[d.Number] = true
	}
	values := map[int][]float64{}
	levels := map[string]map[string]bool{}
	for _, s := range in.Samples {
		if !known[s.Dimension] {
			return Content{}, fmt.Errorf("%w: unknown dimension %d", ErrMalformed, s.Dimension)
		}
		if math.IsNaN(s.Value) || s.Value < 0 || s.Value > 100 {
			return Content{}, fmt.Errorf("%w: value %v out of range on dimension %d", ErrMalformed, s.Value, s.Dimension)
		}
		values[s.Dimension] = append(values[s.Dimension], s.Value)
		level := s.SubjectLevel
		if level == "" {
			level = "operational"
		}
		if levels[level] == nil {
			levels[level] = map[string]bool{}
		}
		levels[level][s.AssessmentID] = true
	}

	c := Content{BatchID: in.BatchID, Emergency: in.Emergency}
	released := in.TotalCount - in.DeactivatedCount
	rate := 0.0
	if released > 0 {
		rate = round1(float64(in.CompletedCount) / float64(released) * 100)
	}
	byLevel := map[string]int{}
	for lvl, ids := range levels {
		byLevel[lvl] = len(ids)
	}
	c.General = General{
		Cohort:         in.CohortName,
		CohortID:       in.CohortID,
		BatchTitle:     in.Title,
		Ordinal:        in.Ordinal,
		PeriodStart:    firstNonEmpty(in.FirstStartedAt, in.ReleasedAt),
		PeriodEnd:      firstNonEmpty(in.LastSubmittedAt, in.ReleasedAt),
		Evaluated:      in.CompletedCount,
		Released:       released,
		Deactivated:    in.DeactivatedCount,
		CompletionRate: rate,
		SampleByLevel:  byLevel,
	}

	for _, d := range dims {
		vals := values[d.Number]
		sc := Score{Dimension: d, Responses: len(vals)}
		if len(vals) == 0 {
			sc.Risk, sc.Signal, sc.Action = RiskLow, SignalGreen, "Insufficient data"
			c.Scores = append(c.Scores, sc)
			continue
		}
		mean := meanOf(vals)
		sd := stdDev(vals, mean)
		sc.Mean = round1(mean)
		sc.StdDev = round1(sd)
		sc.Lower = round1(math.Max(0, mean-sd))
		sc.Upper = round1(math.Min(100, mean+sd))
		sc.Risk = bands.Classify(mean, d.Polarity)
		sc.Signal = SignalFor(sc.Risk)
		sc.Action = ActionFor(sc.Signal)
		c.Scores = append(c.Scores, sc)
	}
	sort.SliceStable(c.Scores, func(i, j int) bool { return c.Scores[i].Dimension.Number < c.Scores[j].Dimension.Number })
	c.Interpretation = interpret(in.CohortName, c.Scores)

	issued := in.IssuedAt.UTC()
	c.Conclusion = Conclusion{
		Statement:  conclusionText,
		IssuedOn:   issued.Format("2006-01-02"),
		ValidUntil: issued.Add(ValidityPeriod).Format("2006-01-02"),
		IssuerID:   in.IssuerID,
		IssuerName: in.IssuerName,
	}
	return c, nil
}

func interpret(cohort string, scores []Score) Interpretation {
	var it Interpretation
	names := map[Risk][]string{}
	for _, s := range scores {
		if s.Responses == 0 {
			continue
		}
		label := fmt.Sprintf("%d - %s", s.Dimension.Number, s.Dimension.Domain)
		names[s.Risk] = append(names[s.Risk], label)
		switch s.Risk {
		case RiskLow:
			it.LowRisk = append(it.LowRisk, s.Dimension.Number)
		case RiskMedium:
			it.MediumRisk = append(it.MediumRisk, s.Dimension.Number)
		case RiskHigh:
			it.HighRisk = append(it.HighRisk, s.Dimension.Number)
		}
	}
	if cohort == "" {
		cohort = "The cohort"
	}
	var b strings.Builder
	b.WriteString(cohort)
	b.WriteString(" shows")
	if len(names[RiskLow]) > 0 {
		fmt.Fprintf(&b, " favorable indicators in %s, which are protective factors to preserve.", strings.Join(names[RiskLow], ", "))
	}
	if len(names[RiskMedium]) > 0 {
		fmt.Fprintf(&b, " %d dimension(s) needing attention (%s).", len(names[RiskMedium]), strings.Join(names[RiskMedium], ", "))
	}
	if len(names[RiskHigh]) > 0 {
		fmt.Fprintf(&b, " %d dimension(s) at high risk requiring immediate action (%s).", len(names[RiskHigh]), strings.Join(names[RiskHigh], ", "))
	}
	if len(names) == 0 {
		b.WriteString(" no scored dimensions.")
	}
	it.Summary = b.String()
	return it
}

// Canonical encodes the content as RFC 8785 JSON, so equal content always
// yields equal bytes.
func Canonical(c Content) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize content: %w", err)
	}
	return out, nil
}

// Digest is the hex SHA-256 of rendered bytes.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func meanOf(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// stdDev is the sample standard deviation; zero for fewer than two values.
func stdDev(v []float64, mean float64) float64 {
	if len(v) <= 1 {
		return 0
	}
	var acc float64
	for _, x := range v {
		acc += (x - mean) * (x - mean)
	}
	return math.Sqrt(acc / float64(len(v)-1))
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package report

// Polarity says which direction of a dimension's scale is favorable.
type Polarity string

const (
	// Positive dimensions are healthier when the score is high.
	Positive Polarity = "positive"
	// Negative dimensions are healthier when the score is low.
	Negative Polarity = "negative"
)

type Dimension struct {
	Number         int      `json:"number"`
	Domain         string   `json:"domain"`
	Description    string   `json:"description"`
	Polarity       Polarity `json:"polarity"`
	Recommendation string   `json:"recommendation"`
}

// DefaultDimensions is the psychosocial questionnaire grouping used when the
// configuration does not override it.
var DefaultDimensions = []Dimension{
	{1, "Demands at work", "Quantitative demands and work pace", Negative,
		"Review targets with the team, size staffing against turnover and working hours, plan regular breaks and record the risk in the risk inventory."},
	{2, "Work organization and content", "Influence, skill development and meaning of work", Positive,
		"Set up standing participation committees, offer regular training and give structured feedback on how each role contributes."},
	{3, "Social relations and leadership", "Social support, feedback and recognition", Positive,
		"Train managers on constructive feedback and conflict mediation, hold weekly team rituals and run periodic climate surveys."},
	{4, "Work-individual interface", "Job insecurity and work-family conflict", Negative,
		"Adopt flexible hours, communicate restructurings early and in writing, and review working-hour patterns."},
	{5, "Organizational values", "Trust, justice and mutual respect", Positive,
		"Publish a code of ethics, keep confidential reporting channels with fast investigation and document merit criteria."},
	{6, "Personality traits", "Self-efficacy and self-confidence", Positive,
		"Offer voluntary workshops on self-efficacy, report only aggregated results and focus on collective prevention."},
	{7, "Health and well-being", "Stress, burnout and somatic symptoms", Negative,
		"Run campaigns on ergonomics, sleep and physical activity and monitor symptoms within the occupational health program."},
	{8, "Offensive behaviour", "Exposure to harassment and violence at work", Negative,
		"Enforce a zero-tolerance policy, train staff yearly and investigate reports quickly through a joint committee."},
	{9, "Gambling behaviour", "Behaviour related to betting and gambling", Negative,
		"Run educational campaigns on gambling risks, block betting sites on corporate networks and offer confidential support."},
	{10, "Financial indebtedness", "Indebtedness and financial stress", Negative,
		"Hold financial education workshops and review payroll loan and advance policies."},
}

// Bands are the cut points of the 0-100 scale, in tertiles by default.
type Bands struct {
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`
}

var DefaultBands = Bands{Low: 33, High: 66}

type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

type Signal string

const (
	SignalGreen  Signal = "green"
	SignalYellow Signal = "yellow"
	SignalRed    Signal = "red"
)

// Classify maps a mean score to a risk band for the dimension's polarity.
func (b Bands) Classify(mean float64, p Polarity) Risk {
	if p == Positive {
		switch {
		case mean > b.High:
			return RiskLow
		case mean >= b.Low:
			return RiskMedium
		default:
			return RiskHigh
		}
	}
	switch {
	case mean < b.Low:
		return RiskLow
	case mean <= b.High:
		return RiskMedium
	default:
		return RiskHigh
	}
}

func SignalFor(r Risk) Signal {
	switch r {
	case RiskLow:
		return SignalGreen
	case RiskMedium:
		return SignalYellow
	default:
		return SignalRed
	}
}

// ActionFor is the short guidance printed next to each signal.
func ActionFor(s Signal) string {
	switch s {
	case SignalGreen:
		return "Maintain; monitor yearly"
	case SignalYellow:
		return "Attention; preventive interventions"
	default:
		return "Immediate action; mitigation plan"
	}
}

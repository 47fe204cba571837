package conversation

import (
	"fmt"
	"strings"
)

// Persona is the closed set of tutoring styles.
type Persona string

const (
	PersonaEncouraging Persona = "encouraging"
	PersonaSocratic    Persona = "socratic"
	PersonaPractical   Persona = "practical"
	PersonaAdaptive    Persona = "adaptive"
)

// ParsePersona maps a client-supplied name to a Persona. Empty selects
// PersonaAdaptive.
func ParsePersona(s string) (Persona, error) {
	switch p := Persona(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PersonaAdaptive, nil
	case PersonaEncouraging, PersonaSocratic, PersonaPractical, PersonaAdaptive:
		return p, nil
	}
	return "", fmt.Errorf("unknown persona %q", s)
}

// Tone parameters, each in [0,1].
type Tone struct {
	Formality     float64 `json:"formality"`
	Encouragement float64 `json:"encouragement"`
	Detail        float64 `json:"detail"`
}

func (p Persona) BaseTone() Tone {
	switch p {
	case PersonaEncouraging:
		return Tone{Formality: 0.3, Encouragement: 0.9, Detail: 0.5}
	case PersonaSocratic:
		return Tone{Formality: 0.5, Encouragement: 0.5, Detail: 0.3}
	case PersonaPractical:
		return Tone{Formality: 0.4, Encouragement: 0.4, Detail: 0.8}
	default:
		return Tone{Formality: 0.5, Encouragement: 0.6, Detail: 0.6}
	}
}

func (p Persona) instructions() string {
	switch p {
	case PersonaEncouraging:
		return "You are a warm tutor. Celebrate progress and normalize mistakes before correcting them."
	case PersonaSocratic:
		return "You are a Socratic tutor. Answer with guiding questions and let the learner reach the conclusion."
	case PersonaPractical:
		return "You are a practical tutor. Give direct steps and a worked example the learner can apply now."
	default:
		return "You are an adaptive tutor. Match your style to how the learner is doing right now."
	}
}

// Cues are conditions detected for the current turn.
type Cues struct {
	LowConfidence   bool `json:"low_confidence,omitempty"`
	HighPerformance bool `json:"high_performance,omitempty"`
	Frustration     bool `json:"frustration,omitempty"`
}

// MaxNudge bounds how far one rule may move one tone parameter per turn.
const MaxNudge = 0.3

type toneParam int

const (
	paramFormality toneParam = iota
	paramEncouragement
	paramDetail
)

type adjustRule struct {
	name  string
	when  func(Cues) bool
	param toneParam
	delta float64
}

var adaptiveRules = []adjustRule{
	{name: "low_confidence", when: func(c Cues) bool { return c.LowConfidence }, param: paramEncouragement, delta: 0.2},
	{name: "high_performance", when: func(c Cues) bool { return c.HighPerformance }, param: paramDetail, delta: 0.15},
	{name: "frustration", when: func(c Cues) bool { return c.Frustration }, param: paramFormality, delta: -0.25},
}

// Adapt applies the Adaptive rules matching cues to t. Every rule touches a
// single parameter and moves it by at most MaxNudge; results stay in [0,1].
func Adapt(t Tone, c Cues) (Tone, []string) {
	var fired []string
	for _, r := range adaptiveRules {
		if !r.when(c) {
			continue
		}
		d := max(-MaxNudge, min(MaxNudge, r.delta))
		switch r.param {
		case paramFormality:
			t.Formality = unit(t.Formality + d)
		case paramEncouragement:
			t.Encouragement = unit(t.Encouragement + d)
		case paramDetail:
			t.Detail = unit(t.Detail + d)
		}
		fired = append(fired, r.name)
	}
	return t, fired
}

func unit(v float64) float64 {
	return max(0, min(1, v))
}

var (
	lowConfidencePhrases = []string{"not sure", "i think", "confused", "i guess", "maybe", "don't understand", "dont understand"}
	frustrationPhrases   = []string{"frustrat", "stuck", "give up", "makes no sense", "doesn't make sense", "this is stupid", "hate this"}
)

// DetectCues looks at the learner's message and recent quiz performance.
// recentScore is negative when unknown.
func DetectCues(message string, recentScore float64) Cues {
	m := strings.ToLower(message)
	var c Cues
	for _, p := range lowConfidencePhrases {
		if strings.Contains(m, p) {
			c.LowConfidence = true
			break
		}
	}
	for _, p := range frustrationPhrases {
		if strings.Contains(m, p) {
			c.Frustration = true
			break
		}
	}
	if strings.Count(message, "!") >= 3 {
		c.Frustration = true
	}
	c.HighPerformance = recentScore >= 0.85
	return c
}

func describe(v float64, low, mid, high string) string {
	switch {
	case v < 0.35:
		return low
	case v > 0.65:
		return high
	}
	return mid
}

func (t Tone) instructions() string {
	return fmt.Sprintf("Use a %s register, be %s, and give %s explanations.",
		describe(t.Formality, "casual", "neutral", "formal"),
		describe(t.Encouragement, "matter-of-fact", "supportive", "very encouraging"),
		describe(t.Detail, "brief", "moderately detailed", "thorough"))
}

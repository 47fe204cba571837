package conversation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/mindpulse/internal/cognitive"
	"github.com/nidhogg/mindpulse/internal/profile"
	"github.com/nidhogg/mindpulse/internal/provider"
)

const maxWeakConcepts = 3

type weakConcept struct {
	id        string
	retention float64
}

// weakConcepts ranks reviewed concepts by predicted retention, lowest first.
func weakConcepts(eng *cognitive.Engine, p *profile.LearnerProfile, now time.Time) []weakConcept {
	var out []weakConcept
	for id, st := range p.Concepts {
		last := st.LastReviewedAt
		if last.IsZero() {
			last = st.LastSeenAt
		}
		if last.IsZero() {
			continue
		}
		days := now.Sub(last).Hours() / 24
		r := eng.Retention(days, p.StabilityOf(id))
		if eng.ReviewDue(days, p.StabilityOf(id)) {
			out = append(out, weakConcept{id: id, retention: r})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].retention != out[j].retention {
			return out[i].retention < out[j].retention
		}
		return out[i].id < out[j].id
	})
	if len(out) > maxWeakConcepts {
		out = out[:maxWeakConcepts]
	}
	return out
}

// recentScore is the mean last score over reviewed concepts, or -1.
func recentScore(p *profile.LearnerProfile) float64 {
	if p == nil {
		return -1
	}
	var sum float64
	var n int
	for _, st := range p.Concepts {
		if st.Reviews > 0 {
			sum += st.LastScore
			n++
		}
	}
	if n == 0 {
		return -1
	}
	return sum / float64(n)
}

type promptInput struct {
	persona     Persona
	tone        Tone
	profile     *profile.LearnerProfile
	engine      *cognitive.Engine
	summary     string
	recent      []Turn
	pageContext string
	message     string
	now         time.Time
}

func buildMessages(in promptInput) []provider.Message {
	var sys strings.Builder
	sys.WriteString(in.persona.instructions())
	sys.WriteString(" ")
	sys.WriteString(in.tone.instructions())

	if p := in.profile; p != nil && p.Personalized() {
		fmt.Fprintf(&sys, "\n\nLearner context: course week %d, learning velocity %.2f.", p.Week(in.now), p.LearningVelocity)
		if mod := strongestModality(p); mod != "" {
			fmt.Fprintf(&sys, " Prefers %s material.", mod)
		}
		if weak := weakConcepts(in.engine, p, in.now); len(weak) > 0 {
			sys.WriteString(" Concepts due for review:")
			for _, w := range weak {
				fmt.Fprintf(&sys, " %s (retention %d%%)", w.id, int(math.Round(w.retention*100)))
			}
			sys.WriteString(".")
		}
	}
	if in.pageContext != "" {
		fmt.Fprintf(&sys, "\n\nThe learner is currently viewing: %s", in.pageContext)
	}
	if in.summary != "" {
		fmt.Fprintf(&sys, "\n\nEarlier in this conversation:\n%s", in.summary)
	}

	msgs := make([]provider.Message, 0, len(in.recent)+2)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: sys.String()})
	for _, t := range in.recent {
		if t.Role == RoleSystem {
			continue
		}
		msgs = append(msgs, provider.Message{Role: string(t.Role), Content: t.Content})
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: in.message})
	return msgs
}

func strongestModality(p *profile.LearnerProfile) string {
	best, bestW := "", profile.DefaultModality
	for _, m := range profile.Modalities {
		if w := p.MemoryArchitecture[m]; w > bestW {
			best, bestW = m, w
		}
	}
	return best
}

func promptTokens(msgs []provider.Message) int {
	n := 0
	for _, m := range msgs {
		n += EstimateTokens(m.Content)
	}
	return n
}

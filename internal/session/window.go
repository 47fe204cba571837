package session

import (
	"time"

	"github.com/nidhogg/mindpulse/internal/cognitive"
	"github.com/nidhogg/mindpulse/internal/signal"
)

type observation struct {
	at      time.Time
	engaged bool
	attempt bool
	correct bool
}

// window keeps per-concept observations over a sliding time span.
type window struct {
	span time.Duration
	obs  map[string][]observation
}

func newWindow(span time.Duration) *window {
	return &window{span: span, obs: make(map[string][]observation)}
}

func (w *window) add(s signal.Signal) {
	c := s.ConceptID()
	if c == "" {
		return
	}
	o := observation{at: s.Timestamp, engaged: cognitive.Engaged(s)}
	if s.Kind == signal.KindQuiz {
		if ok, known := s.Correct(); known {
			o.attempt = true
			o.correct = ok
		}
	}
	w.obs[c] = append(w.obs[c], o)
}

// metrics returns engagement and success for a concept as of now, dropping
// observations older than the span. Success is 1 when there were no
// attempts.
func (w *window) metrics(concept string, now time.Time) (cognitive.Metrics, int) {
	cutoff := now.Add(-w.span)
	list := w.obs[concept]
	i := 0
	for i < len(list) && list[i].at.Before(cutoff) {
		i++
	}
	list = list[i:]
	if len(list) == 0 {
		delete(w.obs, concept)
		return cognitive.Metrics{}, 0
	}
	w.obs[concept] = list

	var engaged, attempts, correct int
	for _, o := range list {
		if o.engaged {
			engaged++
		}
		if o.attempt {
			attempts++
			if o.correct {
				correct++
			}
		}
	}
	m := cognitive.Metrics{
		Engagement: float64(engaged) / float64(len(list)),
		Success:    1,
		Attempts:   attempts,
	}
	if attempts > 0 {
		m.Success = float64(correct) / float64(attempts)
	}
	return m, len(list)
}

package cognitive

import (
	"sort"
)

// Task is a candidate unit of study work. Scores are in [0, 1].
type Task struct {
	ID              string  `json:"id"`
	Importance      float64 `json:"importance"`
	Enjoyment       float64 `json:"enjoyment"`
	CognitiveWeight float64 `json:"cognitive_weight"`
}

// ScoredTask is a Task with its balance score.
type ScoredTask struct {
	Task
	Score float64 `json:"score"`
}

// Plan partitions tasks by rank.
type Plan struct {
	Primary   []ScoredTask `json:"primary"`
	Secondary []ScoredTask `json:"secondary"`
	Deferred  []ScoredTask `json:"deferred"`
}

// Score is importance*w1 + enjoyment*w2 - cognitive_weight*w3.
func (e *Engine) Score(t Task) float64 {
	return t.Importance*e.cfg.ImportanceWeight + t.Enjoyment*e.cfg.EnjoymentWeight - t.CognitiveWeight*e.cfg.LoadWeight
}

// BalanceLoad ranks tasks by Score descending and splits them into
// primary, secondary and deferred. Equal scores are ordered by ID so the
// plan is reproducible.
func (e *Engine) BalanceLoad(tasks []Task) Plan {
	scored := make([]ScoredTask, len(tasks))
	for i, t := range tasks {
		scored[i] = ScoredTask{Task: t, Score: e.Score(t)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if nearlyEqual(scored[i].Score, scored[j].Score) {
			return scored[i].ID < scored[j].ID
		}
		return scored[i].Score > scored[j].Score
	})

	plan := Plan{Primary: []ScoredTask{}, Secondary: []ScoredTask{}, Deferred: []ScoredTask{}}
	p := min(e.cfg.PrimarySlots, len(scored))
	s := min(p+e.cfg.SecondarySlots, len(scored))
	plan.Primary = append(plan.Primary, scored[:p]...)
	plan.Secondary = append(plan.Secondary, scored[p:s]...)
	plan.Deferred = append(plan.Deferred, scored[s:]...)
	return plan
}

func nearlyEqual(a, b float64) bool {
	d := a - b
	return d < epsilon && d > -epsilon
}

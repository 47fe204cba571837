// Package cognitive implements the adaptive learning model: spaced-repetition
// intervals, forgetting-curve retention, difficulty control, at-risk
// detection, cognitive-load balancing and multi-session spacing.
//
// Everything here is pure and deterministic. Callers own persistence and
// timing; Evaluate turns a profile snapshot and a signal batch into a
// profile.Delta plus decisions without touching any store.
package cognitive

package domain

// TaskFeatures describes a generation task for model routing.
type TaskFeatures struct {
	TextLength int
	Complexity int
}

// ModelRouter picks a model by input size and estimated complexity:
// the small model by default, the large one for long or complex inputs.
type ModelRouter struct {
	Small string
	Large string
}

// RoutingDecision is the chosen model with the reason it was picked.
type RoutingDecision struct {
	Model  string
	Reason string
}

// ChooseModel is a pure decision function; no state, no side effects.
func (r ModelRouter) ChooseModel(f TaskFeatures) RoutingDecision {
	if f.TextLength > 1200 || f.Complexity > 3 {
		return RoutingDecision{Model: r.Large, Reason: "long_or_complex"}
	}
	return RoutingDecision{Model: r.Small, Reason: "default_small"}
}

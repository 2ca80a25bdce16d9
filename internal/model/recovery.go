package model

type RecoveryAction string

const (
	ActionRetry              RecoveryAction = "retry"
	ActionSimplify           RecoveryAction = "simplify"
	ActionDecompose          RecoveryAction = "decompose"
	ActionEscalateComplexity RecoveryAction = "escalate_complexity"
	ActionReduceScope        RecoveryAction = "reduce_scope"
	ActionHumanIntervention  RecoveryAction = "human_intervention"
)

// Ordered by severity.
var recoveryLadder = []RecoveryAction{
	ActionRetry,
	ActionSimplify,
	ActionDecompose,
	ActionEscalateComplexity,
	ActionReduceScope,
	ActionHumanIntervention,
}

func RecoveryActions() []RecoveryAction {
	return append([]RecoveryAction(nil), recoveryLadder...)
}

func (a RecoveryAction) Severity() int {
	for i, v := range recoveryLadder {
		if v == a {
			return i
		}
	}
	return -1
}

// Next returns the following rung; human_intervention is terminal.
func (a RecoveryAction) Next() RecoveryAction {
	s := a.Severity()
	if s < 0 || s+1 >= len(recoveryLadder) {
		return ActionHumanIntervention
	}
	return recoveryLadder[s+1]
}

// Restructures reports whether the action changes the shape of the work
// rather than re-running the same approach.
func (a RecoveryAction) Restructures() bool {
	return a.Severity() >= ActionDecompose.Severity()
}

func (a RecoveryAction) IsTerminal() bool {
	return a == ActionHumanIntervention
}

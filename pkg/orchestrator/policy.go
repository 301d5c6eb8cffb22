package orchestrator

import "sort"

// TurnPolicy decides speaking order for one roundtable round.
type TurnPolicy interface {
	Order(round int, participants []Participant) []Participant
}

// SequentialPolicy speaks in declared order every round. The default.
type SequentialPolicy struct{}

func (SequentialPolicy) Order(_ int, participants []Participant) []Participant {
	return participants
}

// InitiativePolicy orders by descending initiative score, name breaking
// ties. Used by game-style protocols where turn order is strictly enforced.
type InitiativePolicy struct {
	Scores map[string]int
}

func (p InitiativePolicy) Order(_ int, participants []Participant) []Participant {
	ordered := make([]Participant, len(participants))
	copy(ordered, participants)
	sort.SliceStable(ordered, func(i, j int) bool {
		si, sj := p.Scores[ordered[i].Name], p.Scores[ordered[j].Name]
		if si != sj {
			return si > sj
		}
		return ordered[i].Name < ordered[j].Name
	})
	return ordered
}

package domain

type VoteType uint8

const (
	VoteNone VoteType = iota
	VoteLike
	VoteDislike
)

func (v VoteType) Valid() bool { return v <= VoteDislike }

func (v VoteType) String() string {
	switch v {
	case VoteNone:
		return "none"
	case VoteLike:
		return "like"
	case VoteDislike:
		return "dislike"
	}
	return "unknown"
}

// TallyDelta describes the homomorphic adjustment a vote transition applies
// to the two encrypted counters. Each field is -1, 0 or +1; the engine applies
// both in the same transaction so no intermediate tally is ever observable.
type TallyDelta struct {
	Like    int
	Dislike int
}

// Transition computes the counter deltas for moving a voter from old to new
// state. Leaving a state applies the inverse of entering it; None carries no
// delta, so None→None is a net zero.
func Transition(old, new VoteType) TallyDelta {
	var d TallyDelta
	switch old {
	case VoteLike:
		d.Like--
	case VoteDislike:
		d.Dislike--
	}
	switch new {
	case VoteLike:
		d.Like++
	case VoteDislike:
		d.Dislike++
	}
	return d
}

package exam

import "github.com/pavelanni/entrevue/internal/model"

// Phase is the state of an exam session as seen by the turn engine.
type Phase string

const (
	PhaseAwaitingQuestion    Phase = "awaiting_question"
	PhaseActiveFollowUpRoom  Phase = "active_follow_up_room"
	PhaseActiveFollowUpLimit Phase = "active_follow_up_limit"
	PhaseLevelExhausted      Phase = "level_exhausted"
	PhaseCompleted           Phase = "completed"
)

// Action is the move proposed by the language model.
type Action string

const (
	ActionNone         Action = ""
	ActionFollowUp     Action = "follow_up"
	ActionNextQuestion Action = "next_question"
	ActionEndExam      Action = "end_exam"
)

// Move is the transition the engine actually applies.
type Move string

const (
	MoveNone         Move = "none"
	MoveAskPrimary   Move = "ask_primary"
	MoveFollowUp     Move = "follow_up"
	MoveNextQuestion Move = "next_question"
	MoveComplete     Move = "complete"
)

// Facts are the budget facts a transition is checked against.
type Facts struct {
	// CanFollowUp: the active question has follow-up room and its level has budget left.
	CanFollowUp bool
	// HasCandidate: an unused primary exists at a level with budget left.
	HasCandidate bool
}

// Transition returns the move to apply. The proposed action is advisory:
// a follow-up needs CanFollowUp, a next question needs HasCandidate, and the
// exam completes only when neither is available.
func Transition(phase Phase, proposed Action, f Facts) Move {
	switch phase {
	case PhaseCompleted:
		return MoveNone
	case PhaseLevelExhausted:
		return MoveComplete
	case PhaseAwaitingQuestion:
		if f.HasCandidate {
			return MoveAskPrimary
		}
		return MoveComplete
	case PhaseActiveFollowUpLimit:
		f.CanFollowUp = false
	case PhaseActiveFollowUpRoom:
	default:
		return MoveNone
	}

	switch proposed {
	case ActionFollowUp:
		if f.CanFollowUp {
			return MoveFollowUp
		}
		if f.HasCandidate {
			return MoveNextQuestion
		}
	default:
		// next_question, end_exam and unusable output all prefer a new question.
		if f.HasCandidate {
			return MoveNextQuestion
		}
		if f.CanFollowUp {
			return MoveFollowUp
		}
	}
	return MoveComplete
}

// phaseOf derives the phase of a normalized session.
func phaseOf(s *model.ExamSession, hasEligibleLevel, hasActive, canFollowUp bool) Phase {
	switch {
	case s.Completed:
		return PhaseCompleted
	case !hasEligibleLevel:
		return PhaseLevelExhausted
	case !hasActive:
		return PhaseAwaitingQuestion
	case canFollowUp:
		return PhaseActiveFollowUpRoom
	default:
		return PhaseActiveFollowUpLimit
	}
}

// nextEligibleLevel scans A, B, C from the current difficulty and returns the
// first level with unused budget.
func nextEligibleLevel(s *model.ExamSession) (model.Level, bool) {
	from := s.CurrentDifficulty.Index()
	for i, lv := range model.Levels {
		if i < from {
			continue
		}
		if s.Remaining(lv) > 0 {
			return lv, true
		}
	}
	return "", false
}

// nextCandidate returns the first unused primary at the eligible level,
// falling through to later levels that still have budget.
func nextCandidate(s *model.ExamSession) *model.ExamQuestion {
	start, ok := nextEligibleLevel(s)
	if !ok {
		return nil
	}
	for i := start.Index(); i < len(model.Levels); i++ {
		lv := model.Levels[i]
		if s.Remaining(lv) <= 0 {
			continue
		}
		for _, q := range s.QuestionsByDifficulty[lv] {
			if !s.Asked(q.ID) {
				return &q
			}
		}
	}
	return nil
}

func canFollowUp(s *model.ExamSession, active model.ExamQuestion) bool {
	return s.FollowUpCountForActive < s.MaxFollowUpsPerQuestion &&
		s.AskedTurnCountByDifficulty[active.Difficulty] < s.TargetTurnCountByDifficulty[active.Difficulty]
}

// activate makes q the active question and consumes one turn at its level.
func activate(s *model.ExamSession, q model.ExamQuestion) {
	s.ActiveQuestionID = q.ID
	s.FollowUpCountForActive = 0
	s.FollowUpAskedForActive = false
	s.AskedTurnCountByDifficulty[q.Difficulty]++
	if !s.Asked(q.ID) {
		s.AskedQuestionIDs = append(s.AskedQuestionIDs, q.ID)
	}
	if q.Difficulty.Index() > s.CurrentDifficulty.Index() {
		s.CurrentDifficulty = q.Difficulty
	}
}

// followUp consumes one turn at the active question's level.
func followUp(s *model.ExamSession, active model.ExamQuestion) {
	s.FollowUpCountForActive++
	s.AskedTurnCountByDifficulty[active.Difficulty]++
	s.FollowUpAskedForActive = true
}

func complete(s *model.ExamSession) {
	s.Completed = true
	s.CurrentDifficulty = model.LevelC
	s.ActiveQuestionID = ""
}

// normalize backfills sessions persisted by older versions and repairs
// counters so the transitions can rely on them.
func normalize(s *model.ExamSession, defaultMaxFollowUps int) {
	if s.QuestionsByDifficulty == nil {
		s.QuestionsByDifficulty = make(map[model.Level][]model.ExamQuestion)
	}
	if s.TargetTurnCountByDifficulty == nil {
		s.TargetTurnCountByDifficulty = make(map[model.Level]int)
	}
	if s.AskedQuestionIDs == nil {
		s.AskedQuestionIDs = []string{}
	}
	if s.RunningAssessments == nil {
		s.RunningAssessments = []model.RunningAssessment{}
	}
	if s.MaxFollowUpsPerQuestion <= 0 {
		s.MaxFollowUpsPerQuestion = defaultMaxFollowUps
	}

	// Asked ids: drop duplicates, keep first occurrence.
	seen := make(map[string]bool, len(s.AskedQuestionIDs))
	ids := s.AskedQuestionIDs[:0]
	for _, id := range s.AskedQuestionIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	s.AskedQuestionIDs = ids

	active, hasActive := s.Question(s.ActiveQuestionID)
	if !hasActive {
		s.ActiveQuestionID = ""
	}
	if hasActive && s.FollowUpAskedForActive && s.FollowUpCountForActive == 0 {
		s.FollowUpCountForActive = 1
	}

	if s.AskedTurnCountByDifficulty == nil {
		s.AskedTurnCountByDifficulty = make(map[model.Level]int)
	}
	highest := -1
	for _, lv := range model.Levels {
		questions := s.QuestionsByDifficulty[lv]
		if s.TargetTurnCountByDifficulty[lv] <= 0 {
			s.TargetTurnCountByDifficulty[lv] = clamp(2*len(questions), MinTurnsPerLevel, MaxTurnsPerLevel)
		}
		asked := 0
		for _, q := range questions {
			if seen[q.ID] {
				asked++
			}
		}
		if asked > 0 {
			highest = lv.Index()
		}
		if _, ok := s.AskedTurnCountByDifficulty[lv]; !ok {
			if hasActive && active.Difficulty == lv {
				asked += s.FollowUpCountForActive
			}
			s.AskedTurnCountByDifficulty[lv] = asked
		}
		s.AskedTurnCountByDifficulty[lv] = clamp(s.AskedTurnCountByDifficulty[lv], 0, s.TargetTurnCountByDifficulty[lv])
	}

	if !s.CurrentDifficulty.Valid() {
		s.CurrentDifficulty = model.LevelA
		if highest > 0 {
			s.CurrentDifficulty = model.Levels[highest]
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

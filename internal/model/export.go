package model

import "time"

// ConversationExport is the top-level JSON structure for the export command.
type ConversationExport struct {
	ExportedAt    time.Time            `json:"exported_at"`
	PromptVariant string               `json:"prompt_variant"`
	Count         int                  `json:"count"`
	Results       []ConversationResult `json:"results"`
}

// ConversationResult holds one conversation's exam data for export.
type ConversationResult struct {
	ID           string                  `json:"id"`
	ThemeID      string                  `json:"theme_id"`
	Mode         ConversationMode        `json:"mode"`
	StartedAt    time.Time               `json:"started_at"`
	Completed    bool                    `json:"completed"`
	Questions    []AskedQuestion         `json:"questions"`
	Conversation []ConversationMsg       `json:"conversation"`
	Evaluation   *ConversationEvaluation `json:"evaluation,omitempty"`
}

// AskedQuestion is a primary question that was posed during an exam.
type AskedQuestion struct {
	Text       string `json:"text"`
	Difficulty Level  `json:"difficulty"`
}

// ConversationMsg is a single message in an exported conversation.
type ConversationMsg struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// AskedQuestions lists the primaries that were posed, in the order they were
// asked. A nil session has none.
func (s *ExamSession) AskedQuestions() []AskedQuestion {
	out := []AskedQuestion{}
	if s == nil {
		return out
	}
	for _, id := range s.AskedQuestionIDs {
		if q, ok := s.Question(id); ok {
			out = append(out, AskedQuestion{Text: q.Text, Difficulty: q.Difficulty})
		}
	}
	return out
}

package model

import (
	"strings"
	"time"
)

// Level is an exam proficiency tier. Exams progress from A to C.
type Level string

const (
	LevelA Level = "A"
	LevelB Level = "B"
	LevelC Level = "C"
)

// Levels lists every level in progression order.
var Levels = []Level{LevelA, LevelB, LevelC}

// Valid reports whether l is one of A, B or C.
func (l Level) Valid() bool {
	return l == LevelA || l == LevelB || l == LevelC
}

// Index returns the position of l in the progression, or -1 for an unknown level.
func (l Level) Index() int {
	for i, lv := range Levels {
		if lv == l {
			return i
		}
	}
	return -1
}

// Next returns the level following l. ok is false for C and unknown levels.
func (l Level) Next() (next Level, ok bool) {
	i := l.Index()
	if i < 0 || i+1 >= len(Levels) {
		return "", false
	}
	return Levels[i+1], true
}

// ExamThemeID is the meta-theme that marks a conversation as an exam.
const ExamThemeID = "exam-mode"

// Role represents a chat message role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationMode distinguishes free practice from a leveled exam.
type ConversationMode string

const (
	ModePractice ConversationMode = "practice"
	ModeExam     ConversationMode = "exam"
)

// QuestionSource records where an exam question came from.
type QuestionSource string

const (
	SourceGenerated     QuestionSource = "generated"
	SourceThemeInspired QuestionSource = "theme-inspired"
)

// ThemeQuestion is one entry of a theme's question bank.
type ThemeQuestion struct {
	Text      string   `json:"text" yaml:"text"`
	FollowUps []string `json:"followUps,omitempty" yaml:"followUps,omitempty"`
}

// Theme is a topical question bank tagged with a level.
type Theme struct {
	ID          string          `json:"id" yaml:"id"`
	Title       string          `json:"title" yaml:"title"`
	Description string          `json:"description" yaml:"description"`
	Level       Level           `json:"level" yaml:"level"`
	Questions   []ThemeQuestion `json:"questions" yaml:"questions"`
}

// ExamQuestion is a primary question of an exam session.
type ExamQuestion struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	Difficulty Level          `json:"difficulty"`
	Source     QuestionSource `json:"source"`
}

// FocusTheme keeps level C questioning on one topical thread.
type FocusTheme struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// RunningAssessment is the qualitative note captured for an active question.
type RunningAssessment struct {
	At           time.Time `json:"at"`
	Difficulty   Level     `json:"difficulty"`
	QuestionID   string    `json:"questionId"`
	Summary      string    `json:"summary"`
	Strengths    []string  `json:"strengths"`
	Improvements []string  `json:"improvements"`
}

// ExamSession is the progression state of one exam conversation.
type ExamSession struct {
	QuestionsByDifficulty       map[Level][]ExamQuestion `json:"questionsByDifficulty"`
	TargetTurnCountByDifficulty map[Level]int            `json:"targetTurnCountByDifficulty"`
	AskedTurnCountByDifficulty  map[Level]int            `json:"askedTurnCountByDifficulty"`
	AskedQuestionIDs            []string                 `json:"askedQuestionIds"`
	ActiveQuestionID            string                   `json:"activeQuestionId,omitempty"`
	FollowUpCountForActive      int                      `json:"followUpCountForActive"`
	MaxFollowUpsPerQuestion     int                      `json:"maxFollowUpsPerQuestion"`
	FollowUpAskedForActive      bool                     `json:"followUpAskedForActive"`
	CurrentDifficulty           Level                    `json:"currentDifficulty"`
	Completed                   bool                     `json:"completed"`
	FocusTheme                  *FocusTheme              `json:"focusTheme,omitempty"`
	RunningAssessments          []RunningAssessment      `json:"runningAssessments"`
}

// Question returns the primary question with the given id.
func (s *ExamSession) Question(id string) (ExamQuestion, bool) {
	if id == "" {
		return ExamQuestion{}, false
	}
	for _, lv := range Levels {
		for _, q := range s.QuestionsByDifficulty[lv] {
			if q.ID == id {
				return q, true
			}
		}
	}
	return ExamQuestion{}, false
}

// Asked reports whether the question id has already been posed.
func (s *ExamSession) Asked(id string) bool {
	for _, asked := range s.AskedQuestionIDs {
		if asked == id {
			return true
		}
	}
	return false
}

// Remaining returns the unused turn budget at a level.
func (s *ExamSession) Remaining(l Level) int {
	return s.TargetTurnCountByDifficulty[l] - s.AskedTurnCountByDifficulty[l]
}

// Message is one utterance in a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Audio     bool      `json:"audio,omitempty"`
}

// CriterionScore is an optional score and notes for a named criterion.
type CriterionScore struct {
	Score *float64 `json:"score,omitempty"`
	Notes string   `json:"notes"`
}

// ConversationEvaluation is the holistic result of an exam.
type ConversationEvaluation struct {
	Score           *float64                  `json:"score,omitempty"`
	OverallLevel    Level                     `json:"overallLevel,omitempty"`
	LevelRationale  map[Level]string          `json:"levelRationale"`
	Notes           string                    `json:"notes"`
	Recommendations []string                  `json:"recommendations"`
	Criteria        map[string]CriterionScore `json:"criteria"`
	EvaluatedAt     time.Time                 `json:"evaluatedAt"`
}

// AnalysisIssue is one language problem found in a user message.
type AnalysisIssue struct {
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

// MessageAnalysis is the coaching feedback for a single user message.
type MessageAnalysis struct {
	MessageTimestamp time.Time       `json:"messageTimestamp"`
	Summary          string          `json:"summary"`
	Issues           []AnalysisIssue `json:"issues"`
	ImprovedExample  string          `json:"improvedExample,omitempty"`
	AnalyzedAt       time.Time       `json:"analyzedAt"`
}

// ConversationAnalysis holds every message analysis of a conversation.
type ConversationAnalysis struct {
	MessageAnalyses []MessageAnalysis `json:"messageAnalyses"`
	LastAnalyzedAt  time.Time         `json:"lastAnalyzedAt"`
}

// Conversation is the aggregate persisted by the session store.
type Conversation struct {
	ID          string                  `json:"id"`
	ThemeID     string                  `json:"themeId"`
	Mode        ConversationMode        `json:"mode,omitempty"`
	IsWarmup    bool                    `json:"isWarmup,omitempty"`
	StartTime   time.Time               `json:"startTime"`
	EndTime     *time.Time              `json:"endTime,omitempty"`
	Messages    []Message               `json:"messages"`
	ExamSession *ExamSession            `json:"examSession,omitempty"`
	Evaluation  *ConversationEvaluation `json:"evaluation,omitempty"`
	Analysis    *ConversationAnalysis   `json:"analysis,omitempty"`
}

// IsExam reports whether the conversation runs in exam mode.
func (c *Conversation) IsExam() bool {
	return c.Mode == ModeExam || c.ThemeID == ExamThemeID
}

// UserMessages returns the trimmed, non-empty user utterances in order.
func (c *Conversation) UserMessages() []string {
	var out []string
	for _, m := range c.Messages {
		if m.Role != RoleUser {
			continue
		}
		if text := strings.TrimSpace(m.Content); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// ExamConfig holds runtime exam parameters set via CLI flags.
type ExamConfig struct {
	MaxFollowUps  int
	PromptVariant string // Grading prompt variant (strict, standard, lenient)
	CriteriaPath  string
}

package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/entrevue/internal/model"
)

//go:embed templates
var templateFS embed.FS

var (
	answerTagRegex          = regexp.MustCompile(`(?i)</?\s*(user-answer|candidate-answer)\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// maxAnswerRunes bounds any single utterance embedded in a prompt.
const maxAnswerRunes = 4000

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict grades against the level descriptors with no benefit of the doubt.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient favours successful communication over formal accuracy.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// Fixed system prompts and policy clauses sent with exam requests.
const (
	QuestionSetSystem = "Tu es un concepteur d'examens oraux en français. Retourne uniquement du JSON valide."

	TurnSystem = "Tu es un évaluateur oral francophone. Réponds uniquement en JSON valide. " +
		"Tu dois faire progresser l'examen de A vers C, en gardant une cohérence thématique forte au niveau C. " +
		"Si une question est active, décide si un suivi est nécessaire et crée un follow-up spécifique aux détails de userAnswer (pas de question générique)."

	AnalysisSystem = "Retourne uniquement du JSON. Les textes doivent rester en français. Les suggestions doivent être actionnables et courtes."

	TranscriptionPolicy = "Tolérance aux erreurs de transcription audio: accepter les homophones, " +
		"petites fautes lexicales/grammaticales et mots approximatifs si le sens est clair."

	LeniencyPolicy = "Ne pénalise pas fortement les erreurs de transcription audio (homophones, mots mal segmentés, " +
		"accords mineurs) si l'intention et la structure globale sont compréhensibles."
)

// Prompt is a rendered system/user message pair.
type Prompt struct {
	System string
	User   string
}

var (
	loadOnce         sync.Once
	loadErr          error
	userTemplates    *template.Template
	evaluatorSystems map[PromptVariant]string
)

var funcs = template.FuncMap{
	"json":  toJSON,
	"inc":   func(i int) int { return i + 1 },
	"upper": func(r model.Role) string { return strings.ToUpper(string(r)) },
}

// Load parses the embedded prompt templates. It is safe to call more than
// once; only the first call does any work.
func Load() error {
	loadOnce.Do(func() {
		tmpl, err := template.New("prompts").Funcs(funcs).ParseFS(templateFS, "templates/*.tmpl")
		if err != nil {
			loadErr = fmt.Errorf("parse prompt templates: %w", err)
			return
		}

		systems := make(map[PromptVariant]string, len(validVariants))
		for v := range validVariants {
			name := "templates/evaluator_" + string(v) + ".txt"
			content, err := fs.ReadFile(templateFS, name)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", name, err)
				return
			}
			systems[v] = strings.TrimSpace(string(content))
		}

		userTemplates = tmpl
		evaluatorSystems = systems
	})
	return loadErr
}

func render(name string, data any) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := userTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// QuestionRef is the compact question shape sent to the model.
type QuestionRef struct {
	ID         string      `json:"id,omitempty"`
	Text       string      `json:"text"`
	Difficulty model.Level `json:"difficulty"`
}

// RefOf converts an exam question to its prompt shape. A nil question stays nil.
func RefOf(q *model.ExamQuestion) *QuestionRef {
	if q == nil {
		return nil
	}
	return &QuestionRef{ID: q.ID, Text: q.Text, Difficulty: q.Difficulty}
}

// FocusThemeSample describes the level C focus theme with a few of its questions.
type FocusThemeSample struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	SampleQuestions []string `json:"sampleQuestions"`
}

// QuestionSetData is the input of the question set generation request.
type QuestionSetData struct {
	Criteria      string
	Targets       map[model.Level]int
	PrimaryCounts map[model.Level]int
	FocusTheme    *FocusThemeSample
	Examples      map[model.Level][]string
}

type questionSetPayload struct {
	Criteria    string                   `json:"criteria"`
	Constraints questionSetConstraints   `json:"constraints"`
	FocusTheme  *FocusThemeSample        `json:"focusTheme"`
	Examples    map[model.Level][]string `json:"examples"`
}

type questionSetConstraints struct {
	Language                         string              `json:"language"`
	Progression                      string              `json:"progression"`
	TargetTurnCountByDifficulty      map[model.Level]int `json:"targetTurnCountByDifficulty"`
	PrimaryQuestionCountByDifficulty map[model.Level]int `json:"primaryQuestionCountByDifficulty"`
	Variety                          string              `json:"variety"`
	CLevelFocus                      string              `json:"cLevelFocus"`
}

// QuestionSet builds the single request that generates primaries for all levels.
func QuestionSet(d QuestionSetData) (Prompt, error) {
	payload := questionSetPayload{
		Criteria: d.Criteria,
		Constraints: questionSetConstraints{
			Language:                         "fr",
			Progression:                      "A_to_B_to_C",
			TargetTurnCountByDifficulty:      d.Targets,
			PrimaryQuestionCountByDifficulty: d.PrimaryCounts,
			Variety:                          "Questions variées, professionnelles et réalistes. Ne pas copier les exemples mot à mot.",
			CLevelFocus:                      "Les questions de niveau C doivent rester centrées sur un même axe thématique professionnel et y approfondir des dimensions délicates/hypothétiques.",
		},
		FocusTheme: d.FocusTheme,
		Examples:   d.Examples,
	}
	user, err := render("question_set.tmpl", map[string]any{"Payload": payload})
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{System: QuestionSetSystem, User: user}, nil
}

// TurnData is the input of a turn decision request.
type TurnData struct {
	Criteria             string
	FocusTheme           *model.FocusTheme
	Session              *model.ExamSession
	ActiveQuestion       *model.ExamQuestion
	CanFollowUp          bool
	FollowUpAlreadyAsked bool
	Utterance            string
	Candidate            *model.ExamQuestion
}

type turnPayload struct {
	Criteria              string            `json:"criteria"`
	TranscriptionPolicy   string            `json:"transcriptionPolicy"`
	FocusTheme            *model.FocusTheme `json:"focusTheme"`
	Progression           turnProgression   `json:"progression"`
	ActiveQuestion        *QuestionRef      `json:"activeQuestion"`
	FollowUpAllowed       bool              `json:"followUpAllowed"`
	FollowUpAlreadyAsked  bool              `json:"followUpAlreadyAsked"`
	UserAnswer            string            `json:"userAnswer"`
	CandidateNextQuestion *QuestionRef      `json:"candidateNextQuestion"`
}

type turnProgression struct {
	CurrentDifficulty           model.Level         `json:"currentDifficulty"`
	AskedCount                  int                 `json:"askedCount"`
	TotalQuestions              int                 `json:"totalQuestions"`
	TargetTurnCountByDifficulty map[model.Level]int `json:"targetTurnCountByDifficulty"`
	AskedTurnCountByDifficulty  map[model.Level]int `json:"askedTurnCountByDifficulty"`
	FollowUpCountForActive      int                 `json:"followUpCountForActive"`
	MaxFollowUpsPerQuestion     int                 `json:"maxFollowUpsPerQuestion"`
}

// Turn builds the decision request for one user utterance.
func Turn(d TurnData) (Prompt, error) {
	if d.Session == nil {
		return Prompt{}, errors.New("turn prompt: nil session")
	}
	s := d.Session
	total := 0
	for _, lv := range model.Levels {
		total += len(s.QuestionsByDifficulty[lv])
	}
	payload := turnPayload{
		Criteria:            d.Criteria,
		TranscriptionPolicy: TranscriptionPolicy,
		FocusTheme:          d.FocusTheme,
		Progression: turnProgression{
			CurrentDifficulty:           s.CurrentDifficulty,
			AskedCount:                  len(s.AskedQuestionIDs),
			TotalQuestions:              total,
			TargetTurnCountByDifficulty: s.TargetTurnCountByDifficulty,
			AskedTurnCountByDifficulty:  s.AskedTurnCountByDifficulty,
			FollowUpCountForActive:      s.FollowUpCountForActive,
			MaxFollowUpsPerQuestion:     s.MaxFollowUpsPerQuestion,
		},
		ActiveQuestion:        RefOf(d.ActiveQuestion),
		FollowUpAllowed:       d.CanFollowUp,
		FollowUpAlreadyAsked:  d.FollowUpAlreadyAsked,
		UserAnswer:            Sanitize(d.Utterance),
		CandidateNextQuestion: RefOf(d.Candidate),
	}
	user, err := render("turn.tmpl", map[string]any{"Payload": payload, "CanFollowUp": d.CanFollowUp})
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{System: TurnSystem, User: user}, nil
}

// EvaluationData is the input of the final evaluation request.
type EvaluationData struct {
	Criteria       string
	AskedQuestions []model.AskedQuestion
	UserAnswers    []string
	Transcript     []model.Message
}

type transcriptLine struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

type evaluationPayload struct {
	Criteria         string                `json:"criteria"`
	AskedQuestions   []model.AskedQuestion `json:"askedQuestions"`
	UserAnswers      []string              `json:"userAnswers"`
	Transcript       []transcriptLine      `json:"transcript"`
	EvaluationPolicy evaluationPolicy      `json:"evaluationPolicy"`
}

type evaluationPolicy struct {
	Language                      string `json:"language"`
	ScoreRange                    string `json:"scoreRange"`
	LeniencyForAudioTranscription string `json:"leniencyForAudioTranscription"`
}

// Evaluation builds the final evaluation request. The variant only changes
// the system prompt; the transcription leniency clause is always present.
func Evaluation(variant PromptVariant, d EvaluationData) (Prompt, error) {
	if err := Load(); err != nil {
		return Prompt{}, err
	}
	system, ok := evaluatorSystems[variant]
	if !ok {
		return Prompt{}, errors.New("invalid prompt variant: " + string(variant))
	}

	answers := make([]string, 0, len(d.UserAnswers))
	for _, a := range d.UserAnswers {
		answers = append(answers, Sanitize(a))
	}
	transcript := make([]transcriptLine, 0, len(d.Transcript))
	for _, m := range d.Transcript {
		transcript = append(transcript, transcriptLine{Role: m.Role, Content: m.Content})
	}
	asked := d.AskedQuestions
	if asked == nil {
		asked = []model.AskedQuestion{}
	}

	payload := evaluationPayload{
		Criteria:       d.Criteria,
		AskedQuestions: asked,
		UserAnswers:    answers,
		Transcript:     transcript,
		EvaluationPolicy: evaluationPolicy{
			Language:                      "fr",
			ScoreRange:                    "0-100",
			LeniencyForAudioTranscription: LeniencyPolicy,
		},
	}
	user, err := render("evaluate.tmpl", map[string]any{"Payload": payload})
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{System: system, User: user}, nil
}

// AnalysisData is the input of a single message coaching request.
type AnalysisData struct {
	ThemeTitle       string
	ThemeDescription string
	Context          []model.Message
	Answer           string
}

// Analysis builds the coaching request for one user message.
func Analysis(d AnalysisData) (Prompt, error) {
	d.Answer = Sanitize(d.Answer)
	user, err := render("analysis.tmpl", d)
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{System: AnalysisSystem, User: user}, nil
}

// Practice builds the interviewer system prompt for a free practice conversation.
func Practice(theme model.Theme) (string, error) {
	questions := make([]string, 0, len(theme.Questions))
	for _, q := range theme.Questions {
		questions = append(questions, q.Text)
	}
	return render("practice.tmpl", map[string]any{
		"Title":       theme.Title,
		"Description": theme.Description,
		"Questions":   questions,
	})
}

// Sanitize strips prompt delimiter tags from user text and bounds its length.
func Sanitize(answer string) string {
	answer = answerTagRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[aucune réponse]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[réponse tronquée]"
	}

	return answer
}

func toJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

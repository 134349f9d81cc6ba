package exam

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/pavelanni/entrevue/internal/llm"
	"github.com/pavelanni/entrevue/internal/model"
)

func TestFirstTurnAsksPrimaryWithPreamble(t *testing.T) {
	lm := newFakeLM()
	h := newHarness(t, lm, &seqRand{})
	conv := examConversation(fixtureSession(fourEach(), 2))

	res, err := h.engine.GenerateTurn(context.Background(), conv, "Bonjour")
	if err != nil {
		t.Fatalf("GenerateTurn() error: %v", err)
	}
	if res.Move != MoveAskPrimary {
		t.Errorf("move = %s, want ask_primary", res.Move)
	}
	if !strings.HasPrefix(res.AssistantReply, "Bonjour et bienvenue") {
		t.Errorf("first reply should start with the preamble: %q", res.AssistantReply)
	}
	if !strings.HasSuffix(res.AssistantReply, "Très bien. Question (A) : Question A1 ?") {
		t.Errorf("first reply should present A1 verbatim: %q", res.AssistantReply)
	}
	s := res.Session
	if s.ActiveQuestionID != "A1" || s.AskedTurnCountByDifficulty[model.LevelA] != 1 {
		t.Errorf("active=%s askedA=%d", s.ActiveQuestionID, s.AskedTurnCountByDifficulty[model.LevelA])
	}
	if len(lm.requests) != 0 {
		t.Errorf("no language service call expected, got %d", len(lm.requests))
	}
	if h.store.saves != 1 {
		t.Errorf("saves = %d, want 1", h.store.saves)
	}
}

func TestFollowUpScenario(t *testing.T) {
	const modelReply = "Pouvez-vous préciser votre rôle dans ce projet ?"
	lm := newFakeLM().on("turn_decision", reply{text: turnJSON("follow_up", modelReply)})
	h := newHarness(t, lm, &seqRand{})

	s := fixtureSession(fourEach(), 2)
	s.AskedQuestionIDs = []string{"A1"}
	s.AskedTurnCountByDifficulty[model.LevelA] = 1
	s.ActiveQuestionID = "A1"
	conv := examConversation(s)

	res, err := h.engine.GenerateTurn(context.Background(), conv, "Je gère un projet de migration.")
	if err != nil {
		t.Fatalf("GenerateTurn() error: %v", err)
	}
	if res.Move != MoveFollowUp {
		t.Fatalf("move = %s, want follow_up", res.Move)
	}
	if res.AssistantReply != modelReply {
		t.Errorf("reply = %q, want model text", res.AssistantReply)
	}
	if s.FollowUpCountForActive != 1 {
		t.Errorf("follow-ups = %d, want 1", s.FollowUpCountForActive)
	}
	if s.AskedTurnCountByDifficulty[model.LevelA] != 2 {
		t.Errorf("asked A = %d, want 2", s.AskedTurnCountByDifficulty[model.LevelA])
	}
	if s.ActiveQuestionID != "A1" || !s.FollowUpAskedForActive {
		t.Errorf("active=%s flag=%v", s.ActiveQuestionID, s.FollowUpAskedForActive)
	}

	req := lm.last("turn_decision")
	if req.Temperature != turnTemperature {
		t.Errorf("temperature = %v", req.Temperature)
	}
	for _, want := range []string{`"followUpAllowed":true`, `"candidateNextQuestion":{"id":"A2"`, "Tolérance aux erreurs de transcription"} {
		if !strings.Contains(req.User, want) {
			t.Errorf("turn request missing %s", want)
		}
	}
}

func TestFollowUpFallbackReply(t *testing.T) {
	long := strings.Repeat("mot ", 60)
	lm := newFakeLM().on("turn_decision", reply{text: turnJSON("follow_up", "Oui ?")})
	h := newHarness(t, lm, &seqRand{})

	s := fixtureSession(fourEach(), 2)
	s.AskedQuestionIDs = []string{"A1"}
	s.AskedTurnCountByDifficulty[model.LevelA] = 1
	s.ActiveQuestionID = "A1"

	res, err := h.engine.GenerateTurn(context.Background(), examConversation(s), long)
	if err != nil {
		t.Fatal(err)
	}
	if res.Move != MoveFollowUp {
		t.Fatalf("move = %s", res.Move)
	}
	if !strings.HasPrefix(res.AssistantReply, "Vous avez mentionné « mot mot") {
		t.Errorf("reply = %q", res.AssistantReply)
	}
	if !strings.Contains(res.AssistantReply, "...") || !strings.Contains(res.AssistantReply, "niveau A") {
		t.Errorf("fallback should quote a truncated excerpt and the level: %q", res.AssistantReply)
	}
}

func TestDowngradeFollowUpToNextLevel(t *testing.T) {
	lm := newFakeLM().on("turn_decision", reply{text: turnJSON("follow_up", "Encore une question sur votre poste ?")})
	h := newHarness(t, lm, &seqRand{})

	s := fixtureSession(fourEach(), 2)
	s.AskedQuestionIDs = []string{"A1", "A2"}
	s.AskedTurnCountByDifficulty[model.LevelA] = 4
	s.ActiveQuestionID = "A2"
	s.FollowUpCountForActive = 2
	s.FollowUpAskedForActive = true

	res, err := h.engine.GenerateTurn(context.Background(), examConversation(s), "Voilà ma réponse.")
	if err != nil {
		t.Fatal(err)
	}
	if res.Move != MoveNextQuestion {
		t.Fatalf("move = %s, want next_question", res.Move)
	}
	if s.ActiveQuestionID != "B1" || s.CurrentDifficulty != model.LevelB {
		t.Errorf("active=%s difficulty=%s, want B1/B", s.ActiveQuestionID, s.CurrentDifficulty)
	}
	if s.FollowUpCountForActive != 0 || s.FollowUpAskedForActive {
		t.Errorf("follow-up state not reset: %d %v", s.FollowUpCountForActive, s.FollowUpAskedForActive)
	}
	if s.AskedTurnCountByDifficulty[model.LevelB] != 1 || s.AskedTurnCountByDifficulty[model.LevelA] != 4 {
		t.Errorf("asked = %v", s.AskedTurnCountByDifficulty)
	}
	// The model's follow-up text does not fit the applied move.
	if res.AssistantReply != "Très bien. Question (B) : Question B1 ?" {
		t.Errorf("reply = %q", res.AssistantReply)
	}
	req := lm.last("turn_decision")
	if !strings.Contains(req.User, `"followUpAllowed":false`) {
		t.Error("request should tell the model follow-up is not allowed")
	}
}

func TestBudgetExhaustionForcesProgression(t *testing.T) {
	tests := []struct {
		name  string
		reply reply
	}{
		{"model ends exam", reply{text: turnJSON("end_exam", "Merci, c'est terminé pour aujourd'hui.")}},
		{"model asks follow-up", reply{text: turnJSON("follow_up", "Et ensuite, que s'est-il passé ?")}},
		{"model fails", reply{err: errors.New("timeout")}},
		{"model garbage", reply{text: "[1,2,3]"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lm := newFakeLM().on("turn_decision", tt.reply)
			h := newHarness(t, lm, &seqRand{})

			s := fixtureSession(fourEach(), 2)
			s.AskedQuestionIDs = []string{"A1", "A2"}
			s.AskedTurnCountByDifficulty[model.LevelA] = 4
			s.ActiveQuestionID = "A2"

			res, err := h.engine.GenerateTurn(context.Background(), examConversation(s), "Réponse.")
			if err != nil {
				t.Fatal(err)
			}
			if s.Completed {
				t.Fatal("exam completed while level B had questions")
			}
			q, _ := s.Question(s.ActiveQuestionID)
			if res.Move != MoveNextQuestion || q.Difficulty != model.LevelB {
				t.Errorf("move=%s active=%s, want next_question on B", res.Move, s.ActiveQuestionID)
			}
			checkInvariants(t, s)
		})
	}
}

func TestNextQuestionUsesModelReply(t *testing.T) {
	const modelReply = "Merci. Passons à autre chose : Question A2 ?"
	lm := newFakeLM().on("turn_decision", reply{text: turnJSON("next_question", modelReply)})
	h := newHarness(t, lm, &seqRand{})

	s := fixtureSession(fourEach(), 2)
	s.AskedQuestionIDs = []string{"A1"}
	s.AskedTurnCountByDifficulty[model.LevelA] = 1
	s.ActiveQuestionID = "A1"

	res, err := h.engine.GenerateTurn(context.Background(), examConversation(s), "Réponse.")
	if err != nil {
		t.Fatal(err)
	}
	if res.Move != MoveNextQuestion || s.ActiveQuestionID != "A2" {
		t.Fatalf("move=%s active=%s", res.Move, s.ActiveQuestionID)
	}
	if res.AssistantReply != modelReply {
		t.Errorf("reply = %q", res.AssistantReply)
	}
	if s.CurrentDifficulty != model.LevelA {
		t.Errorf("difficulty = %s, want A", s.CurrentDifficulty)
	}
}

func TestEndExamOverriddenByFollowUpRoom(t *testing.T) {
	lm := newFakeLM().on("turn_decision", reply{text: turnJSON("end_exam", "Au revoir et merci beaucoup.")})
	h := newHarness(t, lm, &seqRand{})

	// Every primary is used but C still has budget and follow-up room.
	s := fixtureSession(fourEach(), 2)
	s.AskedQuestionIDs = []string{"A1", "A2", "B1", "B2", "C1", "C2"}
	s.AskedTurnCountByDifficulty = map[model.Level]int{model.LevelA: 4, model.LevelB: 4, model.LevelC: 2}
	s.ActiveQuestionID = "C2"
	s.CurrentDifficulty = model.LevelC

	res, err := h.engine.GenerateTurn(context.Background(), examConversation(s), "Réponse.")
	if err != nil {
		t.Fatal(err)
	}
	if res.Move != MoveFollowUp || s.Completed {
		t.Fatalf("move=%s completed=%v, want follow_up", res.Move, s.Completed)
	}
	if !strings.HasPrefix(res.AssistantReply, "Vous avez mentionné") {
		t.Errorf("reply should be the follow-up fallback: %q", res.AssistantReply)
	}
}

func TestLevelExhaustedCompletes(t *testing.T) {
	lm := newFakeLM()
	h := newHarness(t, lm, &seqRand{})

	s := fixtureSession(fourEach(), 2)
	s.AskedQuestionIDs = []string{"A1", "A2", "B1", "B2", "C1", "C2"}
	s.AskedTurnCountByDifficulty = fourEach()
	s.ActiveQuestionID = "C2"
	s.CurrentDifficulty = model.LevelC

	res, err := h.engine.GenerateTurn(context.Background(), examConversation(s), "Dernière réponse.")
	if err != nil {
		t.Fatal(err)
	}
	if res.Move != MoveComplete || !s.Completed {
		t.Fatalf("move=%s completed=%v", res.Move, s.Completed)
	}
	if res.AssistantReply != "Merci. L’examen est terminé. Vous pouvez lancer l’évaluation finale." {
		t.Errorf("reply = %q", res.AssistantReply)
	}
	if s.ActiveQuestionID != "" || s.CurrentDifficulty != model.LevelC {
		t.Errorf("active=%q difficulty=%s", s.ActiveQuestionID, s.CurrentDifficulty)
	}
	if len(lm.requests) != 0 {
		t.Errorf("exhausted session should not consult the model, got %d calls", len(lm.requests))
	}
	if h.store.saves != 1 {
		t.Errorf("saves = %d, want 1", h.store.saves)
	}
	if got := h.events.types(); len(got) != 1 || got[0] != "exam.completed" {
		t.Errorf("events = %v", got)
	}
}

func TestCompletedSessionIsFrozen(t *testing.T) {
	lm := newFakeLM()
	h := newHarness(t, lm, &seqRand{})

	s := fixtureSession(fourEach(), 2)
	s.AskedQuestionIDs = []string{"A1"}
	s.AskedTurnCountByDifficulty[model.LevelA] = 3
	s.Completed = true
	s.CurrentDifficulty = model.LevelC
	before, _ := json.Marshal(s)

	res, err := h.engine.GenerateTurn(context.Background(), examConversation(s), "Encore ?")
	if err != nil {
		t.Fatal(err)
	}
	after, _ := json.Marshal(res.Session)
	if string(before) != string(after) {
		t.Errorf("completed session changed:\n%s\n%s", before, after)
	}
	if res.Move != MoveNone {
		t.Errorf("move = %s, want none", res.Move)
	}
	if !strings.HasPrefix(res.AssistantReply, "Votre examen est déjà complété") {
		t.Errorf("reply = %q", res.AssistantReply)
	}
	if h.store.saves != 0 || len(lm.requests) != 0 {
		t.Errorf("saves=%d calls=%d, want no side effects", h.store.saves, len(lm.requests))
	}
}

func TestRunningAssessmentAppended(t *testing.T) {
	lm := newFakeLM().on("turn_decision", reply{text: `{
		"action": "end_exam",
		"assistantReply": "Merci.",
		"runningAssessment": {
			"summary": "  Réponse claire. ",
			"strengths": ["a", "b", "c", "d", "e", "f"],
			"improvements": ["", "accords", 7]
		}
	}`})
	h := newHarness(t, lm, &seqRand{})

	s := fixtureSession(fourEach(), 2)
	s.AskedQuestionIDs = []string{"A1"}
	s.AskedTurnCountByDifficulty[model.LevelA] = 1
	s.ActiveQuestionID = "A1"

	res, err := h.engine.GenerateTurn(context.Background(), examConversation(s), "Réponse.")
	if err != nil {
		t.Fatal(err)
	}
	if res.Move != MoveNextQuestion {
		t.Errorf("move = %s, want next_question", res.Move)
	}
	if len(s.RunningAssessments) != 1 {
		t.Fatalf("assessments = %d, want 1", len(s.RunningAssessments))
	}
	ra := s.RunningAssessments[0]
	if ra.QuestionID != "A1" || ra.Difficulty != model.LevelA || !ra.At.Equal(testNow) {
		t.Errorf("assessment stamp = %+v", ra)
	}
	if ra.Summary != "Réponse claire." || len(ra.Strengths) != 4 || len(ra.Improvements) != 1 || ra.Improvements[0] != "accords" {
		t.Errorf("assessment not validated: %+v", ra)
	}
}

func TestTurnSaveFailure(t *testing.T) {
	h := newHarness(t, newFakeLM(), &seqRand{})
	h.store.err = errors.New("locked")
	if _, err := h.engine.GenerateTurn(context.Background(), examConversation(fixtureSession(fourEach(), 2)), "x"); err == nil {
		t.Error("expected save error")
	}
}

func TestTurnBootstrapsSession(t *testing.T) {
	lm := newFakeLM().on("question_set", reply{text: fourPerLevel})
	h := newHarness(t, lm, &seqRand{})
	conv := examConversation(nil)

	res, err := h.engine.GenerateTurn(context.Background(), conv, "Bonjour")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ExamSession == nil || res.Session != conv.ExamSession {
		t.Fatal("session not attached to conversation")
	}
	if res.Move != MoveAskPrimary || !strings.Contains(res.AssistantReply, "Parlez de votre poste.") {
		t.Errorf("move=%s reply=%q", res.Move, res.AssistantReply)
	}
	if h.store.saves != 2 {
		t.Errorf("saves = %d, want 2 (bootstrap and turn)", h.store.saves)
	}
}

// randomModel answers turn decisions with a mix of valid, downgraded and broken output.
func randomModel(r *rand.Rand) func(req llm.Request) (string, error) {
	return func(req llm.Request) (string, error) {
		switch r.IntN(6) {
		case 0:
			return turnJSON("follow_up", "Pouvez-vous développer ce point précis ?"), nil
		case 1:
			return turnJSON("next_question", "Merci, question suivante maintenant."), nil
		case 2:
			return turnJSON("end_exam", "Fin."), nil
		case 3:
			return "pas du JSON", nil
		case 4:
			return "", errors.New("upstream error")
		default:
			return `{"action":"skip","assistantReply":42}`, nil
		}
	}
}

func TestInvariantsUnderArbitraryModelOutput(t *testing.T) {
	for seed := uint64(1); seed <= 25; seed++ {
		lm := newFakeLM()
		lm.fn = randomModel(rand.New(rand.NewPCG(seed, 99)))
		h := newHarness(t, lm, &seqRand{})

		targets := map[model.Level]int{model.LevelA: 4 + int(seed%3), model.LevelB: 4 + int((seed/3)%3), model.LevelC: 6}
		s := fixtureSession(targets, 2+int(seed%2))
		conv := examConversation(s)
		total := targets[model.LevelA] + targets[model.LevelB] + targets[model.LevelC]

		prevDifficulty := s.CurrentDifficulty.Index()
		for turn := 0; turn <= total+1; turn++ {
			if s.Completed {
				break
			}
			active, hasActive := s.Question(s.ActiveQuestionID)
			moreAvailable := nextCandidate(s) != nil || (hasActive && canFollowUp(s, active))

			res, err := h.engine.GenerateTurn(context.Background(), conv, "Réponse numéro "+string(rune('a'+turn)))
			if err != nil {
				t.Fatalf("seed %d turn %d: %v", seed, turn, err)
			}
			checkInvariants(t, s)
			if idx := s.CurrentDifficulty.Index(); idx < prevDifficulty {
				t.Fatalf("seed %d: difficulty regressed to %s", seed, s.CurrentDifficulty)
			} else {
				prevDifficulty = idx
			}
			if res.Move == MoveComplete && moreAvailable {
				t.Fatalf("seed %d turn %d: completed while a turn was still available", seed, turn)
			}
			if strings.TrimSpace(res.AssistantReply) == "" {
				t.Fatalf("seed %d turn %d: empty reply", seed, turn)
			}
		}
		if !s.Completed {
			t.Fatalf("seed %d: exam did not terminate within %d turns", seed, total+2)
		}

		frozen, _ := json.Marshal(s)
		if _, err := h.engine.GenerateTurn(context.Background(), conv, "encore"); err != nil {
			t.Fatal(err)
		}
		if after, _ := json.Marshal(s); string(after) != string(frozen) {
			t.Fatalf("seed %d: completed session changed", seed)
		}
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	script := []reply{
		{text: turnJSON("follow_up", "Quel était votre rôle exact dans ce dossier ?")},
		{text: turnJSON("next_question", "Très bien, question suivante pour vous.")},
		{text: `{"action":"follow_up","assistantReply":"Pouvez-vous donner un exemple concret ?","runningAssessment":{"summary":"ok","strengths":["clair"],"improvements":[]}}`},
	}
	next := reply{text: `{"action":"next_question","assistantReply":"Passons au niveau suivant maintenant.","runningAssessment":{"summary":"bien","strengths":["précis"],"improvements":["accords"]}}`}

	lm := newFakeLM().on("turn_decision", script...)
	h := newHarness(t, lm, &seqRand{})
	conv := examConversation(fixtureSession(fourEach(), 2))
	for i := 0; i < 4; i++ {
		if _, err := h.engine.GenerateTurn(context.Background(), conv, "Réponse intermédiaire."); err != nil {
			t.Fatal(err)
		}
	}

	// Reload from what the store saved.
	var reloaded model.Conversation
	if err := json.Unmarshal(h.store.last, &reloaded); err != nil {
		t.Fatal(err)
	}

	run := func(c *model.Conversation) (TurnResult, string) {
		lm := newFakeLM().on("turn_decision", next)
		h := newHarness(t, lm, &seqRand{})
		res, err := h.engine.GenerateTurn(context.Background(), c, "Une dernière réponse détaillée.")
		if err != nil {
			t.Fatal(err)
		}
		b, _ := json.Marshal(res.Session)
		return res, string(b)
	}

	memRes, memJSON := run(conv)
	diskRes, diskJSON := run(&reloaded)
	if memRes.Move != diskRes.Move || memRes.AssistantReply != diskRes.AssistantReply {
		t.Errorf("in-memory %s %q vs reloaded %s %q", memRes.Move, memRes.AssistantReply, diskRes.Move, diskRes.AssistantReply)
	}
	if memJSON != diskJSON {
		t.Errorf("session diverged after reload:\n%s\n%s", memJSON, diskJSON)
	}
}

func TestExcerpt(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  court   texte ", "court texte"},
		{strings.Repeat("é", 120), strings.Repeat("é", 120)},
		{strings.Repeat("é", 121), strings.Repeat("é", 117) + "..."},
	}
	for _, tt := range tests {
		if got := excerpt(tt.in); got != tt.want {
			t.Errorf("excerpt(%d runes) = %q", len([]rune(tt.in)), got)
		}
	}
}

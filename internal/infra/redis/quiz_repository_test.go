package redis

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"classroom-quiz-master/internal/domain"
	"classroom-quiz-master/internal/infra/memory"
)

type countingLoader struct {
	memory.QuizLoader
	calls int
}

func (l *countingLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	l.calls++
	return l.QuizLoader.LoadQuiz(ctx, quizID)
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{
				ID:     "q1",
				Prompt: "Which are prime?",
				Options: []domain.Option{
					{ID: "o1", Text: "2", Correct: true},
					{ID: "o2", Text: "4", Correct: false},
					{ID: "o3", Text: "5", Correct: true},
				},
				TimeLimitMs: 15_000,
				Points:      100,
			},
		},
	}
}

func TestQuizRepositoryCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	loader := &countingLoader{
		QuizLoader: memory.NewStaticQuizLoader(map[string]domain.Quiz{
			"quiz-1": sampleQuiz(),
		}),
	}
	repo := NewQuizRepository(newClient(mr), loader, time.Minute)

	if _, err := repo.GetQuiz(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader called once, got %d", loader.calls)
	}

	// Second call hits the cache, loader not incremented.
	cached, err := repo.GetQuiz(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.calls)
	}

	// The cached view keeps the full multi-select answer key and scoring knobs.
	if len(cached.Questions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(cached.Questions))
	}
	question := cached.Questions[0]
	key := question.AnswerKey()
	sort.Strings(key)
	if len(key) != 2 || key[0] != "o1" || key[1] != "o3" {
		t.Fatalf("answer key lost in cache: %v", key)
	}
	if question.Points != 100 || question.TimeLimitMs != 15_000 {
		t.Fatalf("scoring knobs lost in cache: %+v", question)
	}
}

func TestQuizRepositoryConcurrentMissesDistinctQuizzes(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	quizzes := make(map[string]domain.Quiz)
	for i := 0; i < 8; i++ {
		quiz := sampleQuiz()
		quiz.ID = "quiz-" + string(rune('a'+i))
		quizzes[quiz.ID] = quiz
	}
	repo := NewQuizRepository(newClient(mr), memory.NewStaticQuizLoader(quizzes), time.Minute)

	// Distinct quiz IDs miss in parallel; singleflight does not serialize
	// across keys, so the cache fill paths run concurrently.
	var wg sync.WaitGroup
	for id := range quizzes {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := repo.GetQuiz(context.Background(), id); err != nil {
				t.Errorf("get %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

func TestQuizRepositoryPropagatesLoaderMiss(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	loader := &countingLoader{
		QuizLoader: memory.NewStaticQuizLoader(map[string]domain.Quiz{}),
	}
	repo := NewQuizRepository(newClient(mr), loader, time.Minute)

	if _, err := repo.GetQuiz(context.Background(), "missing"); err == nil {
		t.Fatalf("expected unknown quiz error")
	}
}

package redis

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"classroom-quiz-master/internal/domain"
)

// QuizLoader fetches quiz content from a backing store.
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizRepository caches the scoring view of a quiz in Redis and falls back to
// a loader on cache miss. Per quiz three hashes are kept, one field per
// question:
//
//	HSET quiz:{quizID}:answers {questionID} {sorted correct option IDs, comma separated}
//	HSET quiz:{quizID}:points  {questionID} {points}
//	HSET quiz:{quizID}:limits  {questionID} {time limit ms}
//
// The cached form carries only what scoring needs; prompts and distractor
// options stay with the loader.
type QuizRepository struct {
	client *redis.Client
	loader QuizLoader
	ttl    time.Duration
	sf     singleflight.Group

	// singleflight serializes per quiz ID only, so the jitter source needs
	// its own lock.
	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewQuizRepository(client *redis.Client, loader QuizLoader, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuizRepository) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	answers, err := r.client.HGetAll(ctx, r.answersKey(quizID)).Result()
	if err == nil && len(answers) > 0 {
		return r.buildFromCache(ctx, quizID, answers), nil
	}

	result, err, _ := r.sf.Do(quizID, func() (interface{}, error) {
		// Re-check in case another goroutine filled the cache.
		answers, err := r.client.HGetAll(ctx, r.answersKey(quizID)).Result()
		if err == nil && len(answers) > 0 {
			return r.buildFromCache(ctx, quizID, answers), nil
		}

		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}

		ttl := r.ttlWithJitter()
		pipe := r.client.Pipeline()
		for _, q := range quiz.Questions {
			pipe.HSet(ctx, r.answersKey(quizID), q.ID, strings.Join(q.AnswerKey(), ","))
			pipe.HSet(ctx, r.pointsKey(quizID), q.ID, q.Points)
			pipe.HSet(ctx, r.limitsKey(quizID), q.ID, q.TimeLimitMs)
		}
		if ttl > 0 {
			pipe.Expire(ctx, r.answersKey(quizID), ttl)
			pipe.Expire(ctx, r.pointsKey(quizID), ttl)
			pipe.Expire(ctx, r.limitsKey(quizID), ttl)
		}
		_, _ = pipe.Exec(ctx)

		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

func (r *QuizRepository) buildFromCache(ctx context.Context, quizID string, answers map[string]string) domain.Quiz {
	pointsMap, _ := r.client.HGetAll(ctx, r.pointsKey(quizID)).Result()
	limitsMap, _ := r.client.HGetAll(ctx, r.limitsKey(quizID)).Result()

	questions := make([]domain.Question, 0, len(answers))
	for questionID, joined := range answers {
		question := domain.Question{ID: questionID}
		if joined != "" {
			for _, optionID := range strings.Split(joined, ",") {
				question.Options = append(question.Options, domain.Option{ID: optionID, Correct: true})
			}
		}
		if raw, ok := pointsMap[questionID]; ok {
			if points, err := strconv.Atoi(raw); err == nil {
				question.Points = points
			}
		}
		if raw, ok := limitsMap[questionID]; ok {
			if limit, err := strconv.ParseInt(raw, 10, 64); err == nil {
				question.TimeLimitMs = limit
			}
		}
		questions = append(questions, question)
	}
	return domain.Quiz{ID: quizID, Questions: questions}
}

func (r *QuizRepository) answersKey(quizID string) string {
	return "quiz:" + quizID + ":answers"
}

func (r *QuizRepository) pointsKey(quizID string) string {
	return "quiz:" + quizID + ":points"
}

func (r *QuizRepository) limitsKey(quizID string) string {
	return "quiz:" + quizID + ":limits"
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

package cli

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"classroom-quiz-master/internal/app"
	"classroom-quiz-master/internal/config"
	"classroom-quiz-master/internal/discovery"
	"classroom-quiz-master/internal/domain"
	"classroom-quiz-master/internal/infra/memory"
	pginfra "classroom-quiz-master/internal/infra/postgres"
	redisinfra "classroom-quiz-master/internal/infra/redis"
	"classroom-quiz-master/internal/infra/sqlite"
	enginesync "classroom-quiz-master/internal/sync"
	"classroom-quiz-master/internal/transport/ws"
)

// NewHostCmd builds the subcommand that hosts one live session.
func NewHostCmd(configPath *string, port *int) *cobra.Command {
	var (
		quizID          string
		nickname        string
		lockAfterFirst  bool
		hideLeaderboard bool
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a live quiz session on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), *configPath, *port, quizID, nickname, app.SessionOptions{
				LockAfterFirst:  lockAfterFirst,
				HideLeaderboard: hideLeaderboard,
			})
		},
	}

	cmd.Flags().StringVar(&quizID, "quiz", "quiz-1", "quiz to host")
	cmd.Flags().StringVar(&nickname, "name", "Host", "host nickname")
	cmd.Flags().BoolVar(&lockAfterFirst, "lock-after-first", false, "refuse new joins once the first question starts")
	cmd.Flags().BoolVar(&hideLeaderboard, "hide-leaderboard", false, "suppress live leaderboard broadcasts")
	return cmd
}

func runHost(ctx context.Context, configPath string, preferredPort int, quizID, nickname string, opts app.SessionOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	outbox, err := sqlite.NewOutbox(cfg.Outbox.Path)
	if err != nil {
		return err
	}
	defer outbox.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pginfra.NewQuizLoader(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisinfra.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	dedupWindow := config.TTLDuration(cfg.Session.DedupWindow, 5*time.Minute)
	var dedup ws.DedupIndex
	if redisClient != nil {
		dedup = redisinfra.NewDedupIndex(redisClient, dedupWindow)
	} else {
		dedup = memory.NewDedupIndex(dedupWindow)
	}

	coordinator := app.NewCoordinator(memory.NewSessionRegistry(), quizRepo, outbox)
	sess, err := coordinator.CreateSession(ctx, quizID, nickname, opts)
	if err != nil {
		return err
	}

	token := cfg.Server.Token
	if token == "" {
		token = uuid.NewString()
	}

	server := ws.NewServer(coordinator, dedup, sess.ID, ws.ServerConfig{
		MaxAttemptBytes: cfg.Session.MaxAttemptBytes,
	})
	boundPort, err := server.Start(token, preferredPort)
	if err != nil {
		return err
	}
	defer server.Stop()

	payload, err := discovery.EncodePayload(discovery.Descriptor{
		Host:      localAddr(),
		Port:      boundPort,
		Token:     token,
		JoinCode:  sess.JoinCode,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	log.Printf("session %s hosting quiz %s on port %d", sess.ID, quizID, boundPort)
	log.Printf("join code: %s", sess.JoinCode)
	log.Printf("join payload: %s", payload)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if pool != nil {
		remote := pginfra.NewRemoteStore(pool)
		flusher := enginesync.NewFlusher(outbox, remote, enginesync.FlusherConfig{
			Interval: config.TTLDuration(cfg.Outbox.FlushInterval, 15*time.Second),
		})
		go flusher.Run(runCtx)

		reconciler := enginesync.NewReconciler(coordinator, remote, outbox)
		if err := reconciler.SyncOnReconnect(runCtx, sess.ID); err != nil {
			log.Printf("initial sync: %v", err)
		}
		flusher.Kick()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down session host...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down session host...")
	}

	if count, err := outbox.PendingCount(context.Background()); err == nil && count > 0 {
		log.Printf("%d operations still pending sync; they will push on next start", count)
	}
	return nil
}

// localAddr guesses the LAN address participants should dial.
func localAddr() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}

// sampleQuizzes keeps the host usable with no backing store configured.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3", Correct: false},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5", Correct: false},
					},
					TimeLimitMs: 20_000,
					Points:      100,
				},
				{
					ID:     "q2",
					Prompt: "Which are prime numbers?",
					Options: []domain.Option{
						{ID: "o1", Text: "2", Correct: true},
						{ID: "o2", Text: "4", Correct: false},
						{ID: "o3", Text: "5", Correct: true},
					},
					TimeLimitMs: 30_000,
					Points:      100,
				},
			},
		},
	}
}

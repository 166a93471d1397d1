package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/antonioobaid/linkly/internal/logging"
	"github.com/antonioobaid/linkly/internal/session"
	"github.com/antonioobaid/linkly/internal/user"
)

type stats struct {
	sent      atomic.Int64
	confirmed atomic.Int64
	failed    atomic.Int64
	received  atomic.Int64
}

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "relay websocket endpoint")
	secret := flag.String("secret", "", "JWT secret shared with the relay")
	pairs := flag.Int("pairs", 50, "number of user pairs") // Start small. Database might choke on 1000 immediately.
	msgs := flag.Int("msgs", 20, "messages per user")
	pause := flag.Duration("pause", 10*time.Millisecond, "delay between sends")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console"})
	if *secret == "" {
		logging.Fatal().Msg("❌ -secret is required")
	}

	tokens := user.NewService(nil, *secret)
	st := &stats{}

	logging.Info().Int("users", *pairs*2).Int("msgs", *msgs).Msg("🔥 STARTING STRESS TEST")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var wg sync.WaitGroup
	// We will create pairs: user a talks to user b.
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(ctx, tokens, *wsURL, pairID, *msgs, *pause, st); err != nil {
				logging.Error().Err(err).Int("pair", pairID).Msg("❌ pair failed")
			}
		}(i)
	}
	wg.Wait()

	logging.Info().
		Int64("sent", st.sent.Load()).
		Int64("confirmed", st.confirmed.Load()).
		Int64("failed", st.failed.Load()).
		Int64("received", st.received.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("✅ LOAD TEST COMPLETE")
}

func runPair(ctx context.Context, tokens *user.Service, wsURL string, pairID, msgs int, pause time.Duration, st *stats) error {
	idA, idB := uuid.NewString(), uuid.NewString()

	a, err := dial(ctx, tokens, wsURL, idA, fmt.Sprintf("u_%d_a", pairID))
	if err != nil {
		return err
	}
	defer a.Close()
	b, err := dial(ctx, tokens, wsURL, idB, fmt.Sprintf("u_%d_b", pairID))
	if err != nil {
		return err
	}
	defer b.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return spamChat(gctx, a, idB, msgs, pause, st) })
	g.Go(func() error { return spamChat(gctx, b, idA, msgs, pause, st) })
	if err := g.Wait(); err != nil {
		return err
	}

	// Give the last echoes a moment to land before tallying.
	settle := time.NewTimer(2 * time.Second)
	defer settle.Stop()
	select {
	case <-settle.C:
	case <-ctx.Done():
	}
	tally(a, idA, st)
	tally(b, idB, st)
	return nil
}

func dial(ctx context.Context, tokens *user.Service, wsURL, userID, username string) (*session.Session, error) {
	token, err := tokens.IssueToken(userID, username, time.Hour)
	if err != nil {
		return nil, err
	}
	s, err := session.Dial(ctx, session.Config{URL: wsURL, Token: token, UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("ws connect %s: %w", username, err)
	}
	return s, nil
}

func spamChat(ctx context.Context, s *session.Session, peerID string, msgs int, pause time.Duration, st *stats) error {
	for i := 0; i < msgs; i++ {
		if _, err := s.SendTo(ctx, peerID, fmt.Sprintf("LoadTest Msg %d", i)); err != nil {
			return err
		}
		st.sent.Add(1)

		// Simulate real network instead of an instant localhost burst.
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func tally(s *session.Session, userID string, st *stats) {
	for _, e := range s.Messages() {
		switch {
		case e.SenderID != userID:
			st.received.Add(1)
		case e.Status == session.Confirmed:
			st.confirmed.Add(1)
		case e.Status == session.Failed:
			st.failed.Add(1)
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"signflow/audit"
	"signflow/auth"
	"signflow/crm"
	"signflow/db"
	"signflow/envelope"
	"signflow/filing"
	"signflow/outbox"
	"signflow/signing"
	"signflow/team"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	store := envelope.NewRepository(pool)
	filer := filing.NewService(pool)
	authService := auth.NewService(auth.NewRepository(pool), os.Getenv("JWT_SECRET"))
	teamService := team.NewService(team.NewRepository(pool))
	prepService := envelope.NewService(pool).WithTeamDirectory(teamService)

	signingService := signing.NewService(store).
		WithAuditLogger(audit.NewLogger(pool)).
		WithContactCreator(crm.NewService(pool)).
		WithFiler(filer)

	// Retry auto-filing for completed envelopes out-of-band.
	dispatcher := outbox.NewDispatcher(pool, func(ctx context.Context, topic string, payload []byte) error {
		if topic != envelope.TopicEnvelopeCompleted {
			return nil
		}
		var msg struct {
			EnvelopeID string `json:"envelope_id"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		_, err := filer.AutoFileEnvelopeDocument(ctx, msg.EnvelopeID)
		return err
	})

	log.Printf("signing engine ready: signing=%v prep=%v auth=%v",
		signingService != nil, prepService != nil, authService != nil)
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("outbox dispatcher: %v", err)
	}
}

package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/afar1/ryos/internal/assistant"
	"github.com/afar1/ryos/internal/broadcast"
	"github.com/afar1/ryos/internal/config"
	"github.com/afar1/ryos/internal/identity"
	"github.com/afar1/ryos/internal/limiter"
	clog "github.com/afar1/ryos/internal/log"
	"github.com/afar1/ryos/internal/message"
	"github.com/afar1/ryos/internal/presence"
	"github.com/afar1/ryos/internal/room"
	"github.com/afar1/ryos/internal/server"
	"github.com/afar1/ryos/internal/store"
	"github.com/afar1/ryos/internal/token"
	"github.com/afar1/ryos/internal/ws"
)

// seedRooms makes sure the default public rooms exist so a fresh deployment
// is usable without an admin bootstrap step.
func seedRooms(ctx context.Context, rooms *room.Registry, admin string) {
	for _, name := range []string{"general", "random"} {
		if _, err := rooms.Get(ctx, name); err == nil {
			continue
		}
		if _, err := rooms.Create(ctx, admin, name, room.TypePublic, nil); err != nil {
			log.Warn().Err(err).Str("room", name).Msg("seed default room")
		}
	}
}

func main() {
	cfg := config.Load()
	clog.Init(cfg.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	if err := kv.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connect")
	}

	nats, err := broadcast.NewNATS(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("nats connect")
	}
	defer nats.Close()

	pres := presence.NewTracker(kv, cfg.PresenceWindow)
	users := identity.NewService(kv)
	tokens := token.NewManager(kv, cfg.TokenLifetime, cfg.GracePeriod)
	rooms := room.NewRegistry(kv, users, pres, nats, cfg.AdminUsername)
	burst := limiter.NewBurst(kv)
	msgs := message.NewStore(kv, rooms, pres, users, burst, nats, cfg.AdminUsername)
	rooms.SetMessagePurger(msgs)
	if cfg.AssistantURL != "" {
		msgs.SetAssistant(assistant.NewHTTP(cfg.AssistantURL))
	}
	actions := limiter.NewAction(kv)

	seedRooms(ctx, rooms, cfg.AdminUsername)

	hub := ws.NewHub()
	stop, err := hub.Attach(nats)
	if err != nil {
		log.Fatal().Err(err).Msg("broadcast subscribe")
	}
	defer stop()

	h := server.NewHandler(users, tokens, rooms, msgs, actions)
	r := server.SetupRouter(cfg, h, hub, tokens, rooms)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"tradelive/global"
	"tradelive/logger"
	"tradelive/module/push"
	"tradelive/service/events"
	"tradelive/service/hub"
	"tradelive/service/hub/handlers"
	"tradelive/service/natsx"
	"tradelive/service/storage"
	"tradelive/service/store"
)

func main() {
	cfg := global.ConfigAll()

	ctx := context.Background()

	// participant stores
	conversations, err := store.NewConversations(cfg.Mongo)
	if err != nil {
		logger.Errorf("[main] mongo init failed: %v", err)
		os.Exit(1)
	}
	sessions, err := store.NewSessions(ctx, cfg.PgURL)
	if err != nil {
		logger.Errorf("[main] postgres init failed: %v", err)
		os.Exit(1)
	}

	// presence mirror
	presence, err := storage.NewPresence(cfg.Redis, cfg.NodeID, cfg.PresenceTTL)
	if err != nil {
		logger.Errorf("[main] redis init failed: %v", err)
		os.Exit(1)
	}

	// event bus
	nc, err := natsx.NewNatsxClient(cfg.Nats)
	if err != nil {
		logger.Errorf("[main] nats init failed: %v", err)
		os.Exit(1)
	}
	presencePub := events.NewPresencePublisher(nc)

	// the hub itself
	srv := hub.NewServer(cfg.Hub, hub.Deps{
		Verifier:      &hub.JWTVerifier{Opts: global.GetJwtOptions()},
		Conversations: conversations,
		Sessions:      sessions,
		Presence:      presence,
		OnPresence:    presencePub.Publish,
	})
	srv.RegisterHandlers(handlers.All()...)
	srv.Start()

	ingress := events.NewIngress(nc, srv.Broadcaster(), conversations)
	if err := ingress.Start(); err != nil {
		logger.Errorf("[main] event ingress failed: %v", err)
		os.Exit(1)
	}

	// HTTP: websocket endpoint + internal push API
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", srv.HandleWS)
	push.NewAPI(srv, conversations).Register(r, cfg.InternalSecret)

	go func() {
		addr := ":" + strconv.Itoa(cfg.Port)
		logger.Infof("[main] node=%s listening on %s", cfg.NodeID, addr)
		if err := r.Run(addr); err != nil {
			logger.Errorf("[main] http server failed: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("[main] shutting down")
	srv.Close()
	nc.Close()
	presence.Close()
	sessions.Close()

	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = conversations.Close(cctx)
}

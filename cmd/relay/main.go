package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/parley/chat-relay/internal/protocol"
	"github.com/parley/chat-relay/internal/ratelimit"
	"github.com/parley/chat-relay/internal/relay"
	"github.com/parley/chat-relay/internal/rooms"
	"github.com/parley/chat-relay/internal/session"
	"github.com/parley/chat-relay/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- Rooms (NATS, or in-process for single-node deployments) ---
	var bus rooms.Bus
	natsConfig := rooms.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	if os.Getenv("SINGLE_NODE") == "1" {
		bus = rooms.NewMemoryBus()
		log.Printf("rooms: in-process bus (single node)")
	} else {
		natsBus, err := rooms.NewNATSBus(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		bus = natsBus
		log.Printf("rooms: NATS bus at %s", natsConfig.URL)
	}

	// --- Redis (session registry + rate limiting, optional) ---
	var registry *session.Store
	var limiter *ratelimit.Limiter
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		serverName, _ := os.Hostname()
		if v := os.Getenv("SERVER_NAME"); v != "" {
			serverName = v
		}
		if serverName == "" {
			serverName = "relay-1"
		}
		var err error
		registry, err = session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(registry.Client())
		log.Printf("sessions: Redis registry at %s (server %s)", redisAddr, serverName)
	} else {
		limiter = ratelimit.NewLimiter(nil)
		log.Printf("sessions: in-memory only (REDIS_ADDR not set)")
	}

	log.Printf("Parley relay starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)

	// Declare server early so closures can capture it.
	var server *ws.Server

	sessions := relay.NewSessions(bus, func(connID string, data []byte) error {
		return server.SendMessage(connID, data)
	}, registry)
	broadcaster := relay.NewBroadcaster(bus)

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// setup — bind the connection to the user's personal address
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSetup, func(conn *ws.Connection, msg interface{}) {
		setupMsg, ok := msg.(protocol.SetupMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := sessions.Bind(ctx, conn.ID, setupMsg.UserID); err != nil {
			log.Printf("setup: bind conn=%s user=%s: %v", conn.ID, setupMsg.UserID, err)
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "setup_failed", Message: err.Error(),
			})
			conn.WriteMessage(resp)
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
			UserID: setupMsg.UserID,
		})
		conn.WriteMessage(resp)
		log.Printf("setup conn=%s user=%s", conn.ID, setupMsg.UserID)
	})

	// -----------------------------------------------------------------------
	// join_chat — add the connection to a chat room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinChat, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinChatMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := sessions.JoinChat(ctx, conn.ID, joinMsg.ChatID); err != nil {
			log.Printf("join_chat: conn=%s chat=%s: %v", conn.ID, joinMsg.ChatID, err)
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "join_failed", Message: err.Error(),
			})
			conn.WriteMessage(resp)
			return
		}
		log.Printf("join_chat conn=%s chat=%s", conn.ID, joinMsg.ChatID)
	})

	// -----------------------------------------------------------------------
	// typing / stop_typing — relay the indicator to the chat room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		broadcaster.RelayTyping(typingMsg.ChatID, conn.ID, true)
	})

	dispatcher.Register(protocol.TypeStopTyping, func(conn *ws.Connection, msg interface{}) {
		stopMsg, ok := msg.(protocol.StopTypingMsg)
		if !ok {
			return
		}
		broadcaster.RelayTyping(stopMsg.ChatID, conn.ID, false)
	})

	// -----------------------------------------------------------------------
	// new_message — fan a persisted message out to recipients
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeNewMessage, func(conn *ws.Connection, msg interface{}) {
		newMsg, ok := msg.(protocol.NewMessageMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		userID := sessions.UserID(conn.ID)
		if userID == "" {
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "not_bound", Message: "send setup before new_message",
			})
			conn.WriteMessage(resp)
			return
		}

		allowed, err := limiter.Allow(ctx, userID, ratelimit.RuleRelayMessage)
		if err != nil {
			log.Printf("new_message: rate limit check for user=%s: %v", userID, err)
		}
		if !allowed {
			retryAfter := limiter.RetryAfter(ctx, userID, ratelimit.RuleRelayMessage)
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: retryAfter,
			})
			conn.WriteMessage(resp)
			return
		}

		broadcaster.RelayMessage(newMsg.Message)
	})

	server = ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	server.SetOnDisconnect(func(connID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		sessions.Disconnect(ctx, connID)
		log.Printf("disconnect cleanup for conn=%s", connID)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		bus.Close()
		if registry != nil {
			if err := registry.Close(); err != nil {
				log.Printf("session registry close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

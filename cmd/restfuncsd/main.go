// Command restfuncsd is a minimal example process wiring duplex, httpside,
// and transport together the way modelcontextprotocol-go-sdk's
// examples/server/websocket wires mcp.Server to a gorilla/websocket
// upgrader: one mux, one upgrade endpoint, one collaborator endpoint group.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/restfuncs/restfuncs-go/duplex"
	"github.com/restfuncs/restfuncs-go/httpside"
	"github.com/restfuncs/restfuncs-go/internal/config"
	"github.com/restfuncs/restfuncs-go/internal/log"
	"github.com/restfuncs/restfuncs-go/security"
	"github.com/restfuncs/restfuncs-go/session"
	"github.com/restfuncs/restfuncs-go/tokenbox"
	"github.com/restfuncs/restfuncs-go/transport"
	"go.uber.org/zap"
)

// echoInvoker is a stand-in MethodInvoker, analogous to the teacher's
// EchoTool: "echo" echoes its single string argument back to the caller,
// and "echoViaCallback" demonstrates a server-initiated down-call by
// invoking its single client-supplied callback argument with no arguments
// and returning whatever the callback answers.
type echoInvoker struct{}

func (echoInvoker) Invoke(ctx context.Context, call duplex.MethodCall, props security.RequestProperties, readWasProven bool, ss *duplex.ServerSession) (duplex.MethodResult, error) {
	switch call.MethodName {
	case "echo":
		var args []string
		if err := json.Unmarshal(call.Args, &args); err != nil || len(args) != 1 {
			return duplex.MethodResult{Err: &duplex.WireError{Name: "TypeError", Message: "echo expects a single string argument"}}, nil
		}
		result, err := json.Marshal(args[0])
		if err != nil {
			return duplex.MethodResult{}, fmt.Errorf("marshal echo result: %w", err)
		}
		return duplex.MethodResult{Result: result}, nil
	case "echoViaCallback":
		var args []json.RawMessage
		if err := json.Unmarshal(call.Args, &args); err != nil || len(args) != 1 {
			return duplex.MethodResult{Err: &duplex.WireError{Name: "TypeError", Message: "echoViaCallback expects a single callback argument"}}, nil
		}
		dto, ok := duplex.DecodeDTO(args[0])
		if !ok {
			return duplex.MethodResult{Err: &duplex.WireError{Name: "TypeError", Message: "argument is not a callback"}}, nil
		}
		proxy := ss.ReceiveCallback(dto.ID)
		result, err := ss.InvokeCallback(ctx, proxy, json.RawMessage(`[]`))
		if err != nil {
			return duplex.MethodResult{}, fmt.Errorf("invoke callback: %w", err)
		}
		return duplex.MethodResult{Result: result}, nil
	default:
		return duplex.MethodResult{Err: &duplex.WireError{Name: "NoSuchMethod", Message: call.MethodName}}, nil
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var logger *zap.Logger
	if cfg.Development {
		logger, err = log.NewDevelopment()
	} else {
		logger, err = log.New(log.Config{Level: cfg.LogLevel, OutputPaths: []string{"stdout"}})
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	store := session.NewMemoryStore()
	boxes := httpside.Boxes{
		CookieQuestion: mustBox(tokenbox.PurposeGetCookieSessionQuestion, cfg.TokenLifetime),
		CookieAnswer:   mustBox(tokenbox.PurposeGetCookieSessionAnswer, cfg.TokenLifetime),
		SecurityQ:      mustBox(tokenbox.PurposeGetHttpSecurityPropQuestion, cfg.TokenLifetime),
		SecurityA:      mustBox(tokenbox.PurposeGetHttpSecurityPropAnswer, cfg.TokenLifetime),
		Update:         mustBox(tokenbox.PurposeCookieSessionUpdate, cfg.TokenLifetime),
	}
	gateConfig := security.GateConfig{GroupID: cfg.GroupID}

	serverCfg := duplex.ServerSessionConfig{
		Invoker:           echoInvoker{},
		SessionStore:      store,
		GateConfig:        gateConfig,
		CookieQuestionBox: boxes.CookieQuestion,
		CookieAnswerBox:   boxes.CookieAnswer,
		SecurityQBox:      boxes.SecurityQ,
		SecurityABox:      boxes.SecurityA,
		UpdateBox:         boxes.Update,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upgrader := transport.NewServerUpgrader(
		func(r *http.Request) bool { return true },
		func(id string, t *transport.WebSocketTransport, r *http.Request) {
			ss, err := duplex.NewServerSession(id, t, serverCfg, logger)
			if err != nil {
				logger.Error("new server session", zap.String("connectionId", id), zap.Error(err))
				return
			}
			logger.Info("connection accepted", zap.String("connectionId", id), zap.String("remoteAddr", r.RemoteAddr))
			ss.Run(ctx)
			logger.Info("connection closed", zap.String("connectionId", id))
		},
	)

	httpHandler := httpside.NewHandler(store, cfg.CookieName, boxes, gateConfig, logger)

	mux := http.NewServeMux()
	mux.Handle("/restfuncs/connect", upgrader)
	mux.Handle("/restfuncs/cookie-session", httpHandler)
	mux.Handle("/restfuncs/cookie-session-update", httpHandler)
	mux.Handle("/restfuncs/http-security", httpHandler)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("listen and serve", zap.Error(err))
	}
}

// shutdownGrace bounds how long in-flight connections get to wind down on
// SIGINT/SIGTERM before the listener is torn down regardless.
const shutdownGrace = 5 * time.Second

func mustBox(purpose string, lifetime time.Duration) *tokenbox.Box {
	b, err := tokenbox.New(purpose, lifetime)
	if err != nil {
		panic(fmt.Sprintf("restfuncsd: build %s box: %v", purpose, err))
	}
	return b
}

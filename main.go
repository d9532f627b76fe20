package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"OpsChat/global/config"
	"OpsChat/logger"
	"OpsChat/service/chat"
	"OpsChat/service/presence"
	"OpsChat/tools/ids"
	sec "OpsChat/tools/security"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config; defaults apply when empty")
	flag.Parse()

	conf := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			logger.Errorf("[main] load config: %v", err)
			os.Exit(1)
		}
		conf = loaded
	}

	logger.Init(logger.Options{
		Level:      conf.Log.Level,
		File:       conf.Log.File,
		MaxSizeMB:  conf.Log.MaxSizeMB,
		MaxBackups: conf.Log.MaxBackups,
	})
	ids.SetWorkerID(conf.NodeID)

	nodeName := "chat-" + strconv.FormatInt(conf.NodeID, 10)

	var mirror *presence.Mirror
	if conf.Redis.Addr != "" {
		var err error
		mirror, err = presence.New(presence.Config{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		}, nodeName, conf.PresenceTTL.Std())
		if err != nil {
			// presence is a derived view; run without it rather than refuse to start
			logger.Warnf("[main] presence disabled: %v", err)
			mirror = nil
		}
	}

	manager := chat.NewManager(chat.Conf{
		HeartbeatEvery: conf.HeartbeatEvery.Std(),
		SweepEvery:     conf.SweepEvery.Std(),
		WriteTimeout:   conf.WriteTimeout.Std(),
	}, mirror)

	server := chat.NewServer(manager, sec.DefaultOptions(conf.JwtSecretBytes()))

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	server.Routes(r)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", conf.Port),
		Handler: r,
	}

	go func() {
		logger.Infof("[main] %s listening on %s", nodeName, httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[main] listen: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("[main] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warnf("[main] http shutdown: %v", err)
	}
	manager.Close()
	if err := mirror.Close(); err != nil {
		logger.Warnf("[main] presence close: %v", err)
	}
}

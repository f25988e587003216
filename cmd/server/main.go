// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"study-lifecycle-go/internal/bootstrap"
	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/pkg/database"
	"study-lifecycle-go/pkg/log"
	"study-lifecycle-go/pkg/tasks"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	// 4. 装配 Service、作业运行时与流水线
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{DB: database.DB, Redis: database.RDB})
	if err != nil {
		log.Fatal("应用初始化失败", err)
	}
	defer app.Close()

	// 5. 启动内嵌 worker 与周期调度
	if cfg.Server.EmbeddedWorkers {
		go func() {
			if err := app.RunWorkers(ctx, tasks.AllPools...); err != nil {
				log.Errorf("内嵌 worker 异常退出: %v", err)
			}
		}()
		go func() {
			if err := app.RunSchedulers(ctx); err != nil {
				log.Errorf("周期调度异常退出: %v", err)
			}
		}()
	}

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: app.Router(),
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

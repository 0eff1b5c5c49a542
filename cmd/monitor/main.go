package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"syscall"

	"github.com/crabzie/fog-render-farm/config/logger"
	redisConfig "github.com/crabzie/fog-render-farm/config/storage/redis"
	config "github.com/crabzie/fog-render-farm/config/utils"
	"github.com/crabzie/fog-render-farm/internal/adapter/notify/rabbitmq"
	redisNotify "github.com/crabzie/fog-render-farm/internal/adapter/notify/redis"
	"github.com/crabzie/fog-render-farm/internal/core/domain"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

var nodeColors = []string{colorBlue, colorPurple, colorCyan, colorYellow, colorGreen}

func main() {
	source := flag.String("source", "", "event source: redis | rabbitmq (default: notify.backend)")
	debug := flag.Bool("debug", false, "also print debug events")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appConfig := config.New()
	appConfig.Logger.Level = "warn"
	log := logger.Build(appConfig.Logger, zap.String("service", "monitor"))

	backend := *source
	if backend == "" {
		backend = appConfig.Notify.Backend
	}

	fmt.Println(colorCyan + "🚀 Fog Node Activity Monitor Starting..." + colorReset)
	fmt.Println(colorGray + "Listening for task events on " + backend + "..." + colorReset)
	fmt.Println("-------------------------------------------------------------------------")

	handler := func(ev domain.Event) {
		if ev.Kind == domain.EventDebug && !*debug {
			return
		}
		if line := prettify(ev); line != "" {
			fmt.Println(line)
		}
	}

	var err error
	switch backend {
	case "rabbitmq":
		mq := appConfig.RabbitMQ
		var bus *rabbitmq.EventBus
		bus, err = rabbitmq.NewEventBus(ctx, rabbitmq.URL(mq.User, mq.Password, mq.Host, mq.Port), mq.Exchange, 5, log)
		if err == nil {
			defer bus.Close()
			err = bus.Subscribe(ctx, handler)
		}
	default:
		var rdb *redisConfig.Redis
		rdb, err = redisConfig.New(ctx, appConfig.Redis)
		if err == nil {
			defer rdb.Close()
			err = redisNotify.Subscribe(ctx, rdb.Client, appConfig.Notify.Channel, log, handler)
		}
	}
	if err != nil {
		fmt.Printf("Error subscribing to %s: %v\n", backend, err)
		os.Exit(1)
	}
}

// nodeLabel gives every node a stable colour
func nodeLabel(nodeID string) string {
	if nodeID == "" {
		return colorGray + "farm" + colorReset
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return nodeColors[h.Sum32()%uint32(len(nodeColors))] + nodeID + colorReset
}

func prettify(ev domain.Event) string {
	node := nodeLabel(ev.NodeID)
	ts := colorGray + ev.Timestamp.Local().Format("15:04:05") + colorReset

	switch ev.Kind {
	case domain.EventNodeRegistered:
		return fmt.Sprintf("%s [%s] 👋 "+colorCyan+"Node registered"+colorReset+" %s", ts, node, ev.Message)
	case domain.EventFolderProgress:
		switch domain.FolderStatus(ev.Status) {
		case domain.FolderStatusCompleted:
			return fmt.Sprintf("%s [%s] 📁 "+colorGreen+"Folder done:"+colorReset+" %s", ts, node, ev.Message)
		case domain.FolderStatusFailed:
			return fmt.Sprintf("%s [%s] 📁 "+colorRed+"Folder failed:"+colorReset+" %s", ts, node, ev.Message)
		}
		return fmt.Sprintf("%s [%s] 📂 "+colorBlue+"Folder %3.0f%%:"+colorReset+" %s", ts, node, ev.Progress*100, ev.Message)
	case domain.EventTaskStatus:
		task := ev.TaskID
		if ev.TaskType != "" {
			task += " (" + string(ev.TaskType) + ")"
		}
		switch domain.TaskStatus(ev.Status) {
		case domain.TaskStatusPending:
			return fmt.Sprintf("%s [%s] 📥 "+colorYellow+"Task queued:"+colorReset+"  %s", ts, node, task)
		case domain.TaskStatusRunning:
			return fmt.Sprintf("%s [%s] ⚙️  "+colorBlue+"Now Running:"+colorReset+"  %s", ts, node, task)
		case domain.TaskStatusCompleted:
			return fmt.Sprintf("%s [%s] ✅ "+colorGreen+"Task Finished:"+colorReset+" %s %s", ts, node, task, ev.Message)
		case domain.TaskStatusFailed:
			return fmt.Sprintf("%s [%s] ❌ "+colorRed+"Task Failed:"+colorReset+" %s %s", ts, node, task, ev.Message)
		case domain.TaskStatusCancelled:
			return fmt.Sprintf("%s [%s] 🛑 "+colorPurple+"Task Cancelled:"+colorReset+" %s %s", ts, node, task, ev.Message)
		}
	case domain.EventDebug:
		return fmt.Sprintf("%s [%s] 🐛 %s", ts, node, ev.Message)
	}
	return ""
}

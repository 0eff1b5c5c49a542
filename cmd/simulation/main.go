package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	postgresConfig "github.com/crabzie/fog-render-farm/config/storage/postgresql"
	config "github.com/crabzie/fog-render-farm/config/utils"
	"github.com/crabzie/fog-render-farm/internal/adapter/process"
	"github.com/crabzie/fog-render-farm/internal/adapter/storage/memory"
	"github.com/crabzie/fog-render-farm/internal/adapter/storage/postgres"
	"github.com/crabzie/fog-render-farm/internal/app"
	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/crabzie/fog-render-farm/internal/core/service"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const simulationTimeout = 5 * time.Minute

type printer struct{}

func (printer) Publish(_ context.Context, ev domain.Event) error {
	switch ev.Kind {
	case domain.EventTaskStatus:
		fmt.Printf("   📣 %-10s %s -> %s %s\n", ev.NodeID, short(ev.TaskID), ev.Status, ev.Message)
	case domain.EventFolderProgress:
		if domain.FolderStatus(ev.Status).IsTerminal() {
			fmt.Printf("   📁 %-10s %s %s\n", ev.NodeID, ev.Status, ev.Message)
		}
	}
	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func main() {
	nodes := flag.Int("nodes", 3, "number of in-process nodes")
	folders := flag.Int("folders", 12, "number of folders in the compression task")
	pgURL := flag.String("pg-url", "", "run against Postgres instead of the in-memory store")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, simulationTimeout)
	defer cancelTimeout()

	zlog := zap.NewNop()
	if os.Getenv("SIM_DEBUG") != "" {
		zlog, _ = zap.NewDevelopment()
	}

	cfg, err := config.Load(viper.New())
	if err != nil {
		log.Fatal("Failed to load defaults:", err)
	}
	cfg.Node.PollInterval = 500 * time.Millisecond
	cfg.Claim.RetryDelay = 200 * time.Millisecond

	stores, closeStores := openStores(ctx, *pgURL, zlog)
	defer closeStores()

	root, err := os.MkdirTemp("", "farm-sim-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(root)
	dirs := makeVolume(root, *folders)

	fmt.Printf("🚀 Starting simulation with %d nodes over %d folders...\n", *nodes, len(dirs))

	// every node gets its own service graph over the shared store, as separate processes would
	var (
		nodeIDs []string
		pollers []*service.Poller
		stops   []func()
	)
	for i := 1; i <= *nodes; i++ {
		self := &domain.Node{
			ID:                  fmt.Sprintf("sim-node-%d", i),
			Name:                fmt.Sprintf("render-%02d", i),
			IPAddress:           fmt.Sprintf("10.0.0.%d", i),
			HardwareFingerprint: fmt.Sprintf("sim-fp-%d", i),
			IsAvailable:         true,
		}
		nlog := zlog.With(zap.String("node_id", self.ID))
		svc := app.NewServices(cfg, stores, printer{}, nil, service.SystemClock{}, nlog)
		procs := process.NewExecRunner(time.Minute, nlog)

		hb := service.NewHeartbeatSupervisor(svc.Registry, self, nil, app.HeartbeatConfig(cfg.Node), nlog)
		if _, err := hb.Register(ctx); err != nil {
			log.Fatal("Failed to register node:", err)
		}
		stops = append(stops, hb.Start(ctx))

		runners := app.Runners(self, svc, procs, filepath.Join(root, "out"), nlog)
		poller := service.NewPoller(self, svc.Tasks, runners, svc.Locks, procs, printer{}, nil,
			service.SystemClock{}, app.PollerConfig(cfg.Node), nlog)
		go poller.Start(ctx, nil)

		nodeIDs = append(nodeIDs, self.ID)
		pollers = append(pollers, poller)
	}

	// the scheduler process
	sched := app.NewServices(cfg, stores, printer{}, nil, service.SystemClock{}, zlog)
	go sched.Reconciler.Start(ctx, time.Second)

	params, _ := json.Marshal(domain.VolumeCompressionParams{Directories: []string{filepath.Join(root, "volume")}, Extensions: []string{".raw"}})
	volumeTask, err := sched.Tasks.Create(ctx, &domain.Task{Name: "compress volume", Type: domain.TaskTypeVolumeCompression, Parameters: params})
	if err != nil {
		log.Fatal("Failed to create task:", err)
	}
	if _, err := sched.Tasks.AssignToNodes(ctx, volumeTask.ID, nodeIDs); err != nil {
		log.Fatal("Failed to assign task:", err)
	}

	taskIDs := []string{volumeTask.ID}
	for i, nodeID := range nodeIDs {
		msg, _ := json.Marshal(domain.TestMessageParams{Message: fmt.Sprintf("hello from the simulation #%d", i+1)})
		t, err := sched.Tasks.Create(ctx, &domain.Task{Name: "greeting", Type: domain.TaskTypeTestMessage, Parameters: msg})
		if err != nil {
			log.Fatal("Failed to create task:", err)
		}
		if _, err := sched.Tasks.AssignToNode(ctx, t.ID, nodeID); err != nil {
			log.Fatal("Failed to assign task:", err)
		}
		taskIDs = append(taskIDs, t.ID)
	}
	fmt.Printf("\n[Generator] Injected %d tasks\n", len(taskIDs))

	waitForTasks(ctx, sched.Tasks, taskIDs)

	cancel()
	for _, stop := range stops {
		stop()
	}
	for _, p := range pollers {
		p.Wait()
	}

	report(context.Background(), sched, volumeTask.ID)
}

func openStores(ctx context.Context, url string, zlog *zap.Logger) (app.Stores, func()) {
	if url == "" {
		store := memory.NewStore()
		return app.Stores{Nodes: store.Nodes(), Tasks: store.Tasks(), Locks: store.Locks(), Folders: store.Folders()}, func() {}
	}
	db, err := postgresConfig.Connect(ctx, url, 8, zlog)
	if err != nil {
		log.Fatal("DB unreachable (ensure 'make up' is running):", err)
	}
	if err := db.Migrate(); err != nil {
		log.Fatal("Failed to migrate:", err)
	}
	repos := postgres.NewRepositories(db, zlog)
	return app.Stores{Nodes: repos.Nodes, Tasks: repos.Tasks, Locks: repos.Locks, Folders: repos.Folders}, db.Close
}

// makeVolume lays out n shot folders holding a few raw frames each
func makeVolume(root string, n int) []string {
	var dirs []string
	for i := 1; i <= n; i++ {
		dir := filepath.Join(root, "volume", fmt.Sprintf("shot%03d", i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal(err)
		}
		frames := rand.Intn(4) + 1
		for f := 1; f <= frames; f++ {
			data := make([]byte, 4096)
			_, _ = rand.Read(data)
			if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("frame%04d.raw", f)), data, 0o644); err != nil {
				log.Fatal(err)
			}
		}
		dirs = append(dirs, dir)
	}
	return dirs
}

func waitForTasks(ctx context.Context, tasks *service.TaskService, ids []string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n⏱️  Simulation timed out before every task finished")
			return
		case <-ticker.C:
			done := 0
			for _, id := range ids {
				t, err := tasks.Get(ctx, id)
				if err == nil && t.Status.IsTerminal() {
					done++
				}
			}
			fmt.Printf("   👀 %d/%d tasks terminal\n", done, len(ids))
			if done == len(ids) {
				return
			}
		}
	}
}

func report(ctx context.Context, svc *app.Services, volumeTaskID string) {
	task, err := svc.Tasks.Get(ctx, volumeTaskID)
	if err != nil {
		log.Println("Failed to load task:", err)
		return
	}
	rows, err := svc.Claimer.Folders(ctx, volumeTaskID)
	if err != nil {
		log.Println("Failed to load folders:", err)
		return
	}

	perNode := map[string]int{}
	for _, r := range rows {
		perNode[r.AssignedNodeName]++
	}
	names := make([]string, 0, len(perNode))
	for name := range perNode {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("\n📊 %s: %s\n", task.Status, task.ResultMessage)
	for _, name := range names {
		fmt.Printf("   %-10s %d folders\n", name, perNode[name])
	}
	if task.Status == domain.TaskStatusCompleted {
		fmt.Println("\n✅ Simulation Complete.")
	} else {
		fmt.Println("\n❌ Simulation did not converge.")
	}
}

var _ port.Notifier = printer{}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/probe-swarm/internal/coordinator"
	"github.com/ChuLiYu/probe-swarm/internal/probe"
	"github.com/ChuLiYu/probe-swarm/internal/worker"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// Config 只取 demo 需要的欄位
type Config struct {
	Coordinator coordinator.Config `yaml:"coordinator"`
	Node        worker.Config      `yaml:"node"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Coordinator.StateDir == "" {
		cfg.Coordinator.StateDir = "./data/demo"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord, err := coordinator.New(cfg.Coordinator)
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}
	if err := coord.Start(ctx); err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}
	fmt.Printf("✓ Coordinator started (mode: %s, state: %s)\n", mode, cfg.Coordinator.StateDir)

	nodeCfg := cfg.Node
	nodeCfg.Workers = 4
	node := worker.New(nodeCfg, coordinator.NewLocal(coord), probe.DryRun{Delay: 20 * time.Millisecond})
	if err := node.Start(ctx); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	jobs, err := coord.ListJobs(ctx)
	if err != nil {
		log.Fatalf("Failed to list jobs: %v", err)
	}

	switch {
	case mode == "start" && len(jobs) > 0:
		fmt.Printf("\n⚠️  Found %d job(s) from a previous run (recovered from the journal)\n", len(jobs))
		printJobs(jobs)
	case mode == "start":
		id, err := coord.SubmitJob(ctx, demoJob(500))
		if err != nil {
			log.Fatalf("Failed to submit job: %v", err)
		}
		fmt.Printf("✓ Submitted job %s (500 payloads x 2 injection points)\n", id)
		fmt.Printf("💡 Press Ctrl+C within ~2 seconds to stop with items in flight, then run 'recover'\n\n")
		watch(ctx, coord, 20)
	case mode == "recover":
		fmt.Printf("\n📊 Immediate status after recovery:\n")
		printJobs(jobs)
		fmt.Printf("\n⏳ Waiting 2 seconds for recovered items to finish...\n")
		watch(ctx, coord, 20)
	default:
		log.Fatalf("Unknown mode %q", mode)
	}

	<-ctx.Done()
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = node.Shutdown(shCtx)
	if err := coord.Stop(shCtx); err != nil {
		log.Printf("Coordinator stop failed: %v", err)
	}
	fmt.Println("✓ Coordinator stopped")
}

func demoJob(n int) types.JobSpec {
	spec := types.JobSpec{
		Target: "http://demo.local/search",
		InjectionPoints: []types.InjectionPoint{
			{Name: "q", Kind: types.PointURLParam, Reflected: true},
			{Name: "comment", Kind: types.PointForm},
		},
	}
	for i := 0; i < n; i++ {
		spec.Payloads = append(spec.Payloads, fmt.Sprintf("<script>alert(%d)</script>", i))
	}
	return spec
}

// watch 每 100ms 印一次進度，直到所有任務完成或 rounds 用完
func watch(ctx context.Context, coord *coordinator.Coordinator, rounds int) {
	for i := 0; i < rounds; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
		jobs, err := coord.ListJobs(ctx)
		if err != nil {
			return
		}
		done := true
		for _, j := range jobs {
			c := j.Counts
			fmt.Printf("📊 %s: Queued=%d, In-Flight=%d, Succeeded=%d, Failed=%d\n",
				j.ID, c.Queued, c.InFlight, c.Succeeded, c.Failed)
			if !j.Status.Terminal() {
				done = false
			}
		}
		if done {
			fmt.Printf("\n✓ All jobs finished\n")
			return
		}
	}
}

func printJobs(jobs []types.JobReport) {
	for _, j := range jobs {
		c := j.Counts
		fmt.Printf("  %s  %-10s  queued=%d in_flight=%d succeeded=%d failed=%d errored=%d findings=%d\n",
			j.ID, j.Status, c.Queued, c.InFlight, c.Succeeded, c.Failed, c.Errored, j.Findings)
	}
}

func loadConfig(path string) (*Config, error) {
	cfg := Config{Coordinator: coordinator.DefaultConfig(), Node: worker.DefaultConfig()}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

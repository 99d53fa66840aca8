package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/taskpool/internal/config"
	"github.com/mattjoyce/taskpool/internal/log"
)

type benchTask struct {
	Index     int     `json:"index"`
	Value     uint64  `json:"value,omitempty"`
	ElapsedMS float64 `json:"elapsed_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type benchReport struct {
	N         int         `json:"n"`
	Workers   int         `json:"workers"`
	ControlMS float64     `json:"control_ms"`
	TotalMS   float64     `json:"total_ms"`
	Speedup   float64     `json:"speedup"`
	Tasks     []benchTask `json:"tasks"`
}

func runBench(args []string) int {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	n := fs.Int("n", 30, "Fibonacci number each task computes")
	tasks := fs.Int("tasks", 3, "Number of tasks to run in parallel")
	workers := fs.Int("workers", 0, "Override queue.workers")
	inProcess := fs.Bool("in-process", false, "Run workers as goroutines instead of processes")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *n < 0 || *n > maxFibN {
		fmt.Fprintf(os.Stderr, "-n must be between 0 and %d\n", maxFibN)
		return 1
	}
	if *tasks < 1 {
		fmt.Fprintln(os.Stderr, "--tasks must be at least 1")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *workers > 0 {
		cfg.Queue.Workers = *workers
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	report, err := bench(context.Background(), cfg, *n, *tasks, *inProcess)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		printBenchReport(report)
	}

	for _, t := range report.Tasks {
		if t.Error != "" {
			return 1
		}
	}
	return 0
}

// bench times one fibonacci run in this process as a control, then the same
// computation as parallel tasks on the pool.
func bench(ctx context.Context, cfg *config.Config, n, tasks int, inProcess bool) (*benchReport, error) {
	_, control := timeFibonacci(n)

	var fatal error
	q, err := newFibQueue(cfg, queueSetup{
		InProcess: inProcess,
		Fatal:     func(err error) { fatal = err },
	})
	if err != nil {
		return nil, err
	}
	if err := q.Start(ctx); err != nil {
		if fatal != nil {
			return nil, fatal
		}
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = q.Close(closeCtx)
	}()

	start := time.Now()
	futures := make([]*fibFuture, tasks)
	for i := range futures {
		futures[i] = q.Submit(fibRequest{N: n})
	}

	report := &benchReport{
		N:         n,
		Workers:   cfg.Queue.Workers,
		ControlMS: ms(control),
		Tasks:     make([]benchTask, tasks),
	}
	for i, f := range futures {
		res, err := f.Wait(ctx)
		report.Tasks[i] = benchTask{Index: i + 1}
		if err != nil {
			report.Tasks[i].Error = err.Error()
			continue
		}
		report.Tasks[i].Value = res.Value
		report.Tasks[i].ElapsedMS = res.ElapsedMS
	}
	total := time.Since(start)
	report.TotalMS = ms(total)
	if total > 0 {
		report.Speedup = float64(control) * float64(tasks) / float64(total)
	}
	return report, nil
}

func printBenchReport(r *benchReport) {
	fmt.Printf("control: fib(%d) on the coordinator took %.2fms\n", r.N, r.ControlMS)
	for _, t := range r.Tasks {
		if t.Error != "" {
			fmt.Printf("task %d failed: %s\n", t.Index, t.Error)
			continue
		}
		fmt.Printf("task %d: fib(%d)=%d in %.2fms\n", t.Index, r.N, t.Value, t.ElapsedMS)
	}
	fmt.Printf("all %d tasks on %d workers took %.2fms (%.2fx sequential control)\n",
		len(r.Tasks), r.Workers, r.TotalMS, r.Speedup)
}

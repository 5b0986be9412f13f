package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"proctor/internal/api"
	"proctor/internal/attempt"
	"proctor/internal/clock"
	"proctor/internal/detector"
	"proctor/internal/media"
	"proctor/internal/metrics"
	"proctor/internal/mockbackend"
	"proctor/internal/proctor"
	"proctor/internal/violation"
)

// cmdSimulate drives one attempt through validation, permissions,
// violations, a lost screen share and submission. Time is simulated, so
// the whole attempt takes as long as its HTTP round trips.
func cmdSimulate() {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	minutes := fs.Int("minutes", 5, "Test duration in minutes")
	expire := fs.Bool("expire", false, "Let the countdown submit instead of submitting manually")
	secondMonitor := fs.Bool("second-monitor", false, "Attach a second monitor mid-attempt")
	journalPath := fs.String("journal", "", "Write the proctoring journal to this file")
	metricsOut := fs.String("metrics", "", "Write the client metrics snapshot to this file (default stdout)")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	log := newLogger(cfg, "proctorctl")
	defer log.Close()

	journal := openJournal(cfg, *journalPath)
	defer journal.Close()

	clk := clock.Fake(time.Now().UTC().Truncate(time.Second))
	ctx := context.Background()

	store, err := mockbackend.Open(":memory:")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	seeded, err := mockbackend.Seed(ctx, store, clk.Now(), *minutes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error seeding database: %v\n", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listening: %v\n", err)
		os.Exit(1)
	}
	srv := &http.Server{Handler: mockbackend.NewRouter(store, mockbackend.Options{
		Clock:    clk,
		Logger:   log,
		Registry: metrics.NewRegistry("proctor_backend"),
	})}
	go srv.Serve(ln)
	defer srv.Close()

	var extended atomic.Bool
	devices := &media.SyntheticDevices{}
	clientMetrics := metrics.NewRegistry("proctor")
	backend := api.New("http://"+ln.Addr().String(), cfg.RequestTimeout())
	fmt.Printf("Mock backend at %s\n", backend.BaseURL())
	sess := proctor.New(cfg, seeded.Invitation, proctor.Deps{
		Backend:  backend,
		Devices:  devices,
		Encoders: &media.SyntheticEncoderFactory{Clock: clk},
		Clock:    clk,
		Logger:   log,
		Metrics:  clientMetrics,
		Journal:  journal,
		Topology: func() (detector.Topology, error) {
			return detector.Topology{Width: 1920, AvailWidth: 1920, Extended: extended.Load()}, nil
		},
	})
	sess.SetWarningHandler(func(w detector.Warning) {
		fmt.Printf("  [warning] %s\n", w.Message)
	})
	sess.OnBlocked(func(blocked bool) {
		if blocked {
			fmt.Println("  [blocked] share your entire screen to continue")
		} else {
			fmt.Println("  [unblocked] screen share restored")
		}
	})
	var outcome atomic.Pointer[attempt.Outcome]
	sess.OnComplete(func(o attempt.Outcome) { outcome.Store(&o) })

	step := func(format string, args ...any) {
		fmt.Printf("[%s] %s\n", clk.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	}
	fail := func(op string, err error) {
		sess.Close()
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", op, err)
		os.Exit(1)
	}

	fmt.Println("=== Simulated attempt ===")
	fmt.Println(cfg.Summary())
	fmt.Println()

	v, err := sess.Open(ctx)
	if err != nil {
		fail("validate invitation", err)
	}
	step("invitation valid: %q, %d questions, %d minutes", v.Test.Title, v.Test.QuestionCount, v.Test.DurationMinutes)

	perms, err := sess.RequestPermissions(ctx)
	if err != nil {
		fail("request permissions", err)
	}
	step("permissions: screen=%t webcam=%t", perms.Screen, perms.Webcam)

	if err := sess.Start(ctx); err != nil {
		fail("start", err)
	}
	step("attempt started, recording %s", sess.Recorder().State())
	clk.Advance(5 * time.Second)

	step("candidate switches tabs")
	sess.Signals().VisibilityHidden()
	clk.Advance(5 * time.Second)

	step("candidate presses Ctrl+C")
	sess.Signals().Shortcut("Ctrl+C")
	clk.Advance(5 * time.Second)

	if *secondMonitor {
		step("second monitor attached")
		extended.Store(true)
		clk.Advance(time.Duration(cfg.Detector.PollIntervalMs)*time.Millisecond + time.Second)
	}

	step("screen share stopped from the browser bar")
	if screen := devices.LastScreen(); screen != nil {
		screen.End()
	}
	clk.Advance(2 * time.Second)
	if err := sess.Reshare(ctx); err != nil {
		fail("reshare", err)
	}
	clk.Advance(5 * time.Second)

	rt := sess.Attempt()
	for _, q := range rt.Questions() {
		switch q.Type {
		case api.QuestionCoding:
			err = rt.SaveCode(q.ID, q.StarterCode, q.Language)
		case api.QuestionMCQ:
			if len(q.Options) > 0 {
				err = rt.SelectOptions(q.ID, q.Options[0].ID)
			}
		default:
			err = rt.SaveText(q.ID, "Simulated answer.")
		}
		if err != nil {
			fail("answer", err)
		}
	}
	step("answered %d questions", len(rt.Questions()))

	if *expire {
		step("waiting for the countdown (%s left)", rt.Remaining())
		clk.Advance(rt.Remaining() + time.Second)
	} else {
		step("submitting")
		if _, err := sess.Submit(ctx, true); err != nil {
			fail("submit", err)
		}
	}
	sess.Close()

	out := outcome.Load()
	fmt.Println()
	fmt.Println("=== Result ===")
	if out == nil {
		fmt.Println("Attempt did not complete")
	} else {
		fmt.Printf("Submitted: %d answers (%d failed), forced=%t\n", out.Submitted, out.Failed, out.Forced)
	}
	printViolations(sess.Violations())
	printClips(ctx, store, sess.Handle().Token())
	fmt.Println()

	writeMetrics(clientMetrics, *metricsOut)
}

func printViolations(events *violation.Log) {
	fmt.Printf("Violations: %d\n", events.Len())
	for _, ev := range events.Events() {
		fmt.Printf("  %s  %-22s %s\n", ev.Timestamp.Format("15:04:05"), ev.Type, ev.Description)
	}
}

func printClips(ctx context.Context, store *mockbackend.Store, token string) {
	clips, err := store.Clips(ctx, token)
	if err != nil {
		fmt.Printf("Clips: error: %v\n", err)
		return
	}
	fmt.Printf("Clips stored: %d\n", len(clips))
	for _, c := range clips {
		fmt.Printf("  %s  %s\n", c.FileName, formatBytes(int64(len(c.Data))))
	}
}

func writeMetrics(reg *metrics.Registry, path string) {
	if path == "" {
		fmt.Println("=== Client metrics ===")
		if err := reg.WriteJSON(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing metrics: %v\n", err)
		}
		return
	}
	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing metrics: %v\n", err)
		return
	}
	defer f.Close()
	if err := reg.WriteJSON(f); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing metrics: %v\n", err)
		return
	}
	fmt.Printf("Metrics written to %s\n", path)
}

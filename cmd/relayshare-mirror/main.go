package main

import (
	"context"
	"flag"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relayshare/internal/mirror"
)

const stateFileName = ".relayshare-mirror-state.json"

func main() {
	baseURL := flag.String("base-url", envOrDefault("RELAYSHARE_BASE_URL", "http://127.0.0.1:8080"), "relayshare base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAYSHARE_TOKEN")), "bearer token with the io.cozy.files scope")
	rootID := flag.String("root", strings.TrimSpace(os.Getenv("RELAYSHARE_MIRROR_ROOT")), "id of the remote directory to mirror")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("RELAYSHARE_LOCAL_DIR")), "local mirror directory")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("RELAYSHARE_MIRROR_STATE_FILE")), "state file path")
	interval := flag.Duration("interval", durationEnv("RELAYSHARE_MIRROR_INTERVAL", 2*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("RELAYSHARE_MIRROR_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("RELAYSHARE_MIRROR_TIMEOUT", 15*time.Second), "per-sync timeout")
	watch := flag.Bool("watch", true, "sync as soon as local files change")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or RELAYSHARE_TOKEN)")
	}
	if strings.TrimSpace(*rootID) == "" {
		log.Fatalf("root is required (--root or RELAYSHARE_MIRROR_ROOT)")
	}
	if strings.TrimSpace(*localDir) == "" {
		log.Fatalf("local-dir is required (--local-dir or RELAYSHARE_LOCAL_DIR)")
	}
	if *interval <= 0 {
		*interval = 2 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)
	statePath := resolveStateFile(*localDir, *stateFile)

	client := mirror.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	syncer, err := mirror.NewSyncer(client, mirror.SyncerOptions{
		RootID:    strings.TrimSpace(*rootID),
		LocalRoot: *localDir,
		StateFile: statePath,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize mirror syncer: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := syncer.SyncOnce(ctx); err != nil {
			log.Printf("mirror sync cycle failed: %v", err)
			return
		}
		log.Printf("mirror sync cycle completed")
	}

	run()
	if *once {
		return
	}

	wake := make(chan struct{}, 1)
	if *watch {
		watcher, err := mirror.NewWatcher(*localDir, statePath, 0, log.Default())
		if err != nil {
			log.Fatalf("failed to watch %s: %v", *localDir, err)
		}
		defer watcher.Close()
		go func() {
			err := watcher.Run(rootCtx, func() {
				select {
				case wake <- struct{}{}:
				default:
				}
			})
			if err != nil {
				log.Printf("mirror watcher stopped: %v", err)
			}
		}()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("mirror sync stopping: %v", rootCtx.Err())
			return
		case <-wake:
			run()
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func resolveStateFile(localDir, stateFile string) string {
	if strings.TrimSpace(stateFile) != "" {
		return strings.TrimSpace(stateFile)
	}
	return filepath.Join(filepath.Clean(localDir), stateFileName)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by up to jitterRatio in both
// directions; sample is a uniform draw in [0, 1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = math.Min(math.Max(sample, 0), 1)
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

// Command rdtd is a small demo daemon for the RDT engine: it pairs two
// in-process loopback carriers, opens one tunnel across them, and relays
// stdin lines over it so the reliability layer can be observed end to end
// without any real network underneath it.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/xid"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	intcarrier "github.com/datawire/rdt-tunnel/internal/carrier"
	"github.com/datawire/rdt-tunnel/pkg/rdt"
)

const processName = "rdtd"

// Config is read from the environment via envconfig, matching the way the
// traffic agent loads its own Config with envconfig.Process.
type Config struct {
	LogLevel   string `env:"RDTD_LOG_LEVEL,default=info"`
	LogFile    string `env:"RDTD_LOG_FILE,default="`
	SessionID  int    `env:"RDTD_SESSION_ID,default=1"`
	ChannelID  int    `env:"RDTD_CHANNEL_ID,default=1"`
	DropPct    int    `env:"RDTD_DROP_PCT,default=0"`
	DupPct     int    `env:"RDTD_DUP_PCT,default=0"`
	JitterMs   int    `env:"RDTD_JITTER_MS,default=0"`
}

// recentlyClosedEntry is the metadata rdtd keeps, outside the engine's own
// bookkeeping, about a TEID it recently tore down: which trace last used it
// and when. go-cache's own TTL eviction does the forgetting for us, so this
// side table never needs a sweep of its own.
type recentlyClosedEntry struct {
	traceID string
	closed  time.Time
}

func makeBaseLogger(cfg Config) context.Context {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.0000"})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.LogFile != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     60,
			LocalTime:  true,
		})
	}
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))
	dlog.SetFallbackLogger(dlog.WrapLogrus(logger))
	return dgroup.WithGoroutineName(ctx, "/"+processName)
}

func main() {
	var cfg Config
	bg := context.Background()
	if err := envconfig.Process(bg, &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "rdtd: bad config:", err)
		os.Exit(1)
	}

	ctx := makeBaseLogger(cfg)
	// DemoSessionID identifies this daemon run in the logs; it has nothing
	// to do with the protocol's own numeric session_id (spec.md §3), which
	// stays a plain int throughout the engine.
	demoSessionID := uuid.New().String()
	dlog.Infof(ctx, "starting %s [pid:%d] demo-session=%s session=%d channel=%d", processName, os.Getpid(), demoSessionID, cfg.SessionID, cfg.ChannelID)

	sideTable := cache.New(30*time.Second, time.Minute)

	impair := intcarrier.Impairment{
		DropProbability:      float64(cfg.DropPct) / 100,
		DuplicateProbability: float64(cfg.DupPct) / 100,
		MaxJitter:            time.Duration(cfg.JitterMs) * time.Millisecond,
	}

	carA := intcarrier.NewLoopback(impair)
	carB := intcarrier.NewLoopback(intcarrier.Impairment{})
	intcarrier.Pair(carA, carB)
	defer carA.Close()
	defer carB.Close()

	modA, err := rdt.Init(carA)
	if err != nil {
		dlog.Errorf(ctx, "init side A: %v", err)
		os.Exit(1)
	}
	modB, err := rdt.Init(carB)
	if err != nil {
		dlog.Errorf(ctx, "init side B: %v", err)
		os.Exit(1)
	}
	defer modA.Destroy()
	defer modB.Destroy()

	modB.SetOpenedHook(func(ctx context.Context, sessionID, channelID int, teid uint16) (*rdt.Handler, error) {
		traceID := xid.New().String()
		dlog.Infof(ctx, "[%s] accepting passive open teid=%d session=%d channel=%d", traceID, teid, sessionID, channelID)
		return &rdt.Handler{
			OnData: func(_ uint16, data []byte) {
				dlog.Debugf(ctx, "[%s] echo %d bytes", traceID, len(data))
			},
			OnClosed: func(teid uint16, reason int) {
				sideTable.Set(fmt.Sprintf("%d", teid), recentlyClosedEntry{traceID: traceID, closed: time.Now()}, cache.DefaultExpiration)
				dlog.Infof(ctx, "[%s] teid=%d closed reason=%d", traceID, teid, reason)
			},
		}, nil
	})

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})

	grp.Go("session", func(ctx context.Context) error {
		return runSession(ctx, modA, cfg, sideTable)
	})

	if err := grp.Wait(); err != nil {
		dlog.Errorf(ctx, "rdtd exited with error: %v", err)
		os.Exit(1)
	}
}

// runSession opens one tunnel on the A side and relays stdin lines to it
// until EOF or ctx is cancelled, then closes it gracefully.
func runSession(ctx context.Context, modA *rdt.Module, cfg Config, sideTable *cache.Cache) error {
	traceID := xid.New().String()

	opened := make(chan struct{})
	tun, err := modA.Open(ctx, cfg.SessionID, cfg.ChannelID, rdt.Handler{
		OnData: func(_ uint16, data []byte) {
			dlog.Infof(ctx, "[%s] received %d bytes: %q", traceID, len(data), string(data))
		},
		OnClosed: func(teid uint16, reason int) {
			sideTable.Set(fmt.Sprintf("%d", teid), recentlyClosedEntry{traceID: traceID, closed: time.Now()}, cache.DefaultExpiration)
			select {
			case <-opened:
			default:
				close(opened)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("open tunnel: %w", err)
	}
	dlog.Infof(ctx, "[%s] tunnel ready teid=%d", traceID, tun.LocalTEID())

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := modA.Write(tun.LocalTEID(), append([]byte(nil), line...)); err != nil {
			dlog.Errorf(ctx, "[%s] write failed: %v", traceID, err)
		}
	}

	info, err := modA.GetInfo(tun.LocalTEID())
	if err == nil {
		dlog.Infof(ctx, "[%s] closing teid=%d sent=%d recv=%d", traceID, tun.LocalTEID(), info.BytesSent, info.BytesReceived)
	}
	return modA.Close(tun.LocalTEID())
}

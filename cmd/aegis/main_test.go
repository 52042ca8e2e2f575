package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	service "github.com/okian/aegis/internal/app"
	"github.com/okian/aegis/internal/config"
	"github.com/okian/aegis/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init(logger.WithOutput(&bytes.Buffer{}))
	m.Run()
}

func execute(args ...string) (string, error) {
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCoTCommand(t *testing.T) {
	convey.Convey("Given the cot command", t, func() {
		convey.Convey("When rendering a mapped label", func() {
			out, err := execute("cot", "--label", "car", "--confidence", "0.81",
				"--at", "2026-05-04T08:30:15.250Z", "--device", "Aegis-Unit-7")

			convey.So(err, convey.ShouldBeNil)
			convey.So(out, convey.ShouldContainSubstring, `uid="Aegis-Unit-7-1777883415250"`)
			convey.So(out, convey.ShouldContainSubstring, `type="a-u-G"`)
			convey.So(out, convey.ShouldContainSubstring, "LIGHT VEHICLE")
		})

		convey.Convey("When the label is outside the taxonomy", func() {
			_, err := execute("cot", "--label", "giraffe")
			convey.So(err, convey.ShouldNotBeNil)
			convey.So(err.Error(), convey.ShouldContainSubstring, "taxonomy")
		})

		convey.Convey("When the time is malformed", func() {
			_, err := execute("cot", "--label", "person", "--at", "yesterday")
			convey.So(err, convey.ShouldNotBeNil)
		})

		convey.Convey("When the label flag is missing", func() {
			_, err := execute("cot")
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestLoadConfig(t *testing.T) {
	convey.Convey("Given environment overrides", t, func() {
		t.Setenv("AEGIS_ADDR", ":9191")
		t.Setenv("AEGIS_DEVICE_ID", "Aegis-Unit-9")
		t.Setenv("AEGIS_CONFIG", "")

		convey.Convey("When the serve command loads config", func() {
			cmd := newServeCmd()
			cmd.SetErr(&bytes.Buffer{})
			cmd.Flags().String("config", "", "")
			cmd.Flags().String("loglevel", "", "")
			convey.So(cmd.Flags().Set("loglevel", "debug"), convey.ShouldBeNil)

			cfg, err := loadConfig(context.Background(), cmd)

			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.Addr, convey.ShouldEqual, ":9191")
			convey.So(cfg.DeviceID, convey.ShouldEqual, "Aegis-Unit-9")
			convey.So(cfg.LogLevel, convey.ShouldEqual, "debug")
		})

		convey.Convey("When the config file does not exist", func() {
			cmd := newServeCmd()
			cmd.SetErr(&bytes.Buffer{})
			cmd.Flags().String("config", filepath.Join(t.TempDir(), "missing.yaml"), "")
			cmd.Flags().String("loglevel", "", "")

			_, err := loadConfig(context.Background(), cmd)
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
	_ = logger.Init(logger.WithOutput(&bytes.Buffer{}))
	_ = logger.SetLevelString("info")
}

func TestHTTPServerRoutes(t *testing.T) {
	convey.Convey("Given a started service behind the HTTP server", t, func() {
		cfg := config.New()
		cfg.DBPath = filepath.Join(t.TempDir(), "aegis.db")
		cfg.SyncIntervalMS = 0
		cfg.DemoLatencyMS = 1

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		svc := service.New(cfg, service.WithLogger(logger.Nop()))
		convey.So(svc.Start(ctx), convey.ShouldBeNil)
		defer svc.Stop()

		srv := newHTTPServer(ctx, ":0", svc)
		convey.So(srv.ReadHeaderTimeout, convey.ShouldEqual, readHeaderTimeout)
		convey.So(srv.IdleTimeout, convey.ShouldEqual, idleTimeout)

		ts := httptest.NewServer(srv.Handler)
		defer ts.Close()

		convey.Convey("Then health, stats and docs respond", func() {
			for _, path := range []string{"/healthz", "/stats", "/api-docs", "/openapi.yaml"} {
				resp, err := http.Get(ts.URL + path)
				convey.So(err, convey.ShouldBeNil)
				convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusOK)
				_ = resp.Body.Close()
			}
		})

		convey.Convey("Then accepted detections show up in stats", func() {
			resp, err := http.Post(ts.URL+"/detections", "application/json",
				strings.NewReader(`{"detections":[{"label":"person","score":0.9}]}`))
			convey.So(err, convey.ShouldBeNil)
			_ = resp.Body.Close()
			convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusAccepted)

			deadline := time.Now().Add(2 * time.Second)
			var total int
			for time.Now().Before(deadline) {
				st, err := svc.Stats(ctx)
				convey.So(err, convey.ShouldBeNil)
				if total = st.TotalLogs; total == 1 {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			convey.So(total, convey.ShouldEqual, 1)
		})

		convey.Convey("Then the metric updaters do not panic", func() {
			convey.So(func() { updateSystemMetrics() }, convey.ShouldNotPanic)
			convey.So(func() { updateServiceMetrics(ctx, svc) }, convey.ShouldNotPanic)
		})
	})
}

func TestMetricsUpdatersStopOnCancel(t *testing.T) {
	convey.Convey("Given a cancelled context", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		convey.Convey("Then the system updater returns", func() {
			done := make(chan struct{})
			go func() {
				startSystemMetricsUpdater(ctx)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("system metrics updater did not stop")
			}
		})

		convey.Convey("Then the service updater returns", func() {
			svc := service.New(config.New(), service.WithLogger(logger.Nop()))
			done := make(chan struct{})
			go func() {
				startServiceMetricsUpdater(ctx, svc)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("service metrics updater did not stop")
			}
			convey.So(func() { updateServiceMetrics(ctx, svc) }, convey.ShouldNotPanic)
		})
	})
}

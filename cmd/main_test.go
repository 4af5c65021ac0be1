package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/okian/passport-registry/internal/adapters/cache"
	"github.com/okian/passport-registry/internal/adapters/repository"
	"github.com/okian/passport-registry/internal/config"
	"github.com/okian/passport-registry/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

func setenv(t *testing.T, kv map[string]string) {
	for k, v := range kv {
		_ = os.Setenv(k, v)
	}
	t.Cleanup(func() {
		for k := range kv {
			_ = os.Unsetenv(k)
		}
	})
}

func TestMainFunction(t *testing.T) {
	convey.Convey("Given the main application", t, func() {
		convey.Convey("When configuration comes from the environment", func() {
			setenv(t, map[string]string{
				"REGISTRY_ADDR":                 ":8080",
				"REGISTRY_RESCORE_QUEUE_SIZE":   "50",
				"REGISTRY_RESCORE_WORKER_COUNT": "3",
				"REGISTRY_LOG_FORMAT":           "json",
			})

			convey.Convey("Then it is loaded and applied to logging", func() {
				cfg, err := config.Load(context.Background())
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.RescoreQueueSize, convey.ShouldEqual, 50)
				convey.So(cfg.RescoreWorkerCount, convey.ShouldEqual, 3)
				convey.So(configureLogging(cfg), convey.ShouldBeNil)
				convey.So(logger.Init(), convey.ShouldBeNil)
			})
		})

		convey.Convey("When the log format is unknown", func() {
			cfg := config.New()
			cfg.LogFormat = "xml"

			convey.Convey("Then logging setup fails", func() {
				convey.So(configureLogging(cfg), convey.ShouldNotBeNil)
			})
		})

		convey.Convey("When no redis URL is configured", func() {
			c, err := openCache(context.Background(), config.New())

			convey.Convey("Then scores are not cached", func() {
				convey.So(err, convey.ShouldBeNil)
				_, ok := c.(cache.Noop)
				convey.So(ok, convey.ShouldBeTrue)
			})
		})
	})
}

func TestMainApplicationComponents(t *testing.T) {
	convey.Convey("Given a service assembled from defaults", t, func() {
		ctx := context.Background()
		cfg := config.New()
		cfg.BootstrapAddress = "0xadmin"
		cfg.BootstrapAPIKey = "boot.secret"

		store := repository.NewMemoryStore()
		svc, err := newService(cfg, store, cache.Noop{}, logger.Get())
		convey.So(err, convey.ShouldBeNil)
		convey.So(svc.Start(ctx), convey.ShouldBeNil)
		defer svc.Stop()

		_, err = svc.Bootstrap(ctx, cfg.BootstrapAddress, cfg.BootstrapAPIKey)
		convey.So(err, convey.ShouldBeNil)

		router := newRouter(cfg, svc)

		convey.Convey("When the health endpoint is requested", func() {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/", nil))

			convey.Convey("Then it reports ok", func() {
				convey.So(rec.Code, convey.ShouldEqual, http.StatusOK)
			})
		})

		convey.Convey("When the docs are requested", func() {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))

			convey.Convey("Then the OpenAPI document is served", func() {
				convey.So(rec.Code, convey.ShouldEqual, http.StatusOK)
				convey.So(rec.Body.String(), convey.ShouldContainSubstring, "openapi:")
			})
		})

		convey.Convey("When the bootstrap key lists communities", func() {
			req := httptest.NewRequest(http.MethodGet, "/registry/communities", nil)
			req.Header.Set("X-API-Key", cfg.BootstrapAPIKey)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			convey.Convey("Then the request is authorized", func() {
				convey.So(rec.Code, convey.ShouldEqual, http.StatusOK)
			})
		})

		convey.Convey("When the metrics updaters run", func() {
			convey.Convey("Then they do not panic", func() {
				convey.So(updateSystemMetrics, convey.ShouldNotPanic)
				convey.So(func() { updateServiceMetrics(svc) }, convey.ShouldNotPanic)
			})
		})
	})
}

package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/volley/internal/model"
)

func TestPipelineConfigCarriesLimits(t *testing.T) {
	limits := Limits{
		DialTimeout:     2 * time.Second,
		ReadTimeout:     3 * time.Second,
		QueueTimeout:    4 * time.Second,
		MaxResponseSize: 4096,
	}
	e := NewEngine(nil, slog.New(slog.NewJSONHandler(io.Discard, nil)), WithLimits(limits))

	cfg := e.pipelineConfig(&model.Run{
		Target:                "https://target.test",
		Workers:               3,
		ReadFreq:              5,
		RequestsPerConnection: 7,
		Insecure:              true,
	})

	if cfg.URL != "https://target.test" || cfg.Workers != 3 || cfg.ReadFreq != 5 || cfg.RequestsPerConnection != 7 || !cfg.InsecureSkipVerify {
		t.Errorf("run fields not carried: %+v", cfg)
	}
	if cfg.DialTimeout != limits.DialTimeout || cfg.ReadTimeout != limits.ReadTimeout || cfg.QueueTimeout != limits.QueueTimeout {
		t.Errorf("timeouts = %v/%v/%v, want %v/%v/%v",
			cfg.DialTimeout, cfg.ReadTimeout, cfg.QueueTimeout,
			limits.DialTimeout, limits.ReadTimeout, limits.QueueTimeout)
	}
	if cfg.MaxResponseSize != 4096 {
		t.Errorf("MaxResponseSize = %d, want 4096", cfg.MaxResponseSize)
	}
}

func TestPipelineConfigWithoutLimitsKeepsDefaults(t *testing.T) {
	e := NewEngine(nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	cfg := e.pipelineConfig(&model.Run{Target: "http://target.test"})
	if cfg.DialTimeout != 0 || cfg.ReadTimeout != 0 || cfg.QueueTimeout != 0 || cfg.MaxResponseSize != 0 {
		t.Errorf("limits set without WithLimits: %+v", cfg)
	}
}

package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"item-image-pipeline/internal/models"
)

func TestEventLineShape(t *testing.T) {
	var buf bytes.Buffer
	log := zap.New(newCore(models.LogConfig{Level: "info"}, &buf))

	log.Info("job_started", zap.String("job_id", "j1"), zap.Int("attempt", 0))
	_ = log.Sync()

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "level", "event", "job_id", "attempt"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing key %q in %v", key, line)
		}
	}
	if line["event"] != "job_started" || line["level"] != "info" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := zap.New(newCore(models.LogConfig{Level: "warn"}, &buf))

	log.Info("dropped")
	log.Warn("kept")
	_ = log.Sync()

	if bytes.Contains(buf.Bytes(), []byte("dropped")) {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("kept")) {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"":      zapcore.InfoLevel,
		"loud":  zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

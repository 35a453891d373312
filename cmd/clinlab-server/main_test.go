package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/clinlab/internal/config"
	"github.com/ehr/clinlab/internal/domain/interpretation"
	"github.com/ehr/clinlab/internal/platform/db"
	"github.com/ehr/clinlab/internal/platform/telemetry"
)

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		logger := newLogger(&config.Config{Env: "production", LogLevel: tt.level})
		if got := logger.GetLevel(); got != tt.want {
			t.Errorf("LOG_LEVEL=%q: level = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestRateLimitConfig(t *testing.T) {
	rl := rateLimitConfig(&config.Config{RateLimitRPS: 5, RateLimitBurst: 7})
	if rl.RequestsPerSecond != 5 || rl.BurstSize != 7 {
		t.Errorf("rate limit = %+v, want 5/7", rl)
	}
	if rl.IdleTTL == 0 {
		t.Error("idle TTL should keep its default")
	}

	def := rateLimitConfig(&config.Config{})
	if def.RequestsPerSecond != 50 || def.BurstSize != 100 {
		t.Errorf("defaults = %+v, want 50/100", def)
	}
}

func TestResolveSchema(t *testing.T) {
	cfg := &config.Config{DefaultTenant: "default"}
	tests := []struct {
		name   string
		args   []string
		want   string
		hasErr bool
	}{
		{"default tenant", nil, "tenant_default", false},
		{"tenant flag", []string{"--tenant", "north"}, "tenant_north", false},
		{"schema wins", []string{"--tenant", "north", "--schema", "public"}, "public", false},
		{"invalid tenant", []string{"--tenant", "no-dash"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			addMigrateFlags(cmd)
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("parse flags: %v", err)
			}
			got, err := resolveSchema(cmd, cfg)
			if (err != nil) != tt.hasErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.hasErr)
			}
			if got != tt.want {
				t.Errorf("schema = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseAsOf(t *testing.T) {
	now := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	if got, err := parseAsOf("", now); err != nil || !got.Equal(now) {
		t.Errorf("parseAsOf(\"\") = %v, %v; want now", got, err)
	}
	got, err := parseAsOf("2020-06-15", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Year() != 2020 || got.Month() != time.June || got.Day() != 15 {
		t.Errorf("parseAsOf(date) = %v", got)
	}
	if _, err := parseAsOf("15/06/2020", now); err == nil {
		t.Error("expected error for unsupported layout")
	}
}

func sampleRows() []interpretation.Row {
	return []interpretation.Row{{
		OrderID:        "ord-1",
		PatientNo:      "P-001",
		PatientName:    "Ama Mensah",
		TestName:       "Complete Blood Count",
		TestCode:       "CBC",
		Parameter:      "Hemoglobin",
		ResultValue:    "13.2",
		Unit:           "g/dL",
		ReferenceRange: "12-16",
		Status:         interpretation.StatusNormal,
	}}
}

func TestWriteInterpretation_CSV(t *testing.T) {
	var buf bytes.Buffer
	if err := writeInterpretation(&buf, "CSV", uuid.New(), time.Now(), sampleRows()); err != nil {
		t.Fatalf("writeInterpretation() error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "order_id,patient_no") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "Hemoglobin,13.2,g/dL,12-16,Normal") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestWriteInterpretation_JSON(t *testing.T) {
	id := uuid.New()
	asOf := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	if err := writeInterpretation(&buf, "json", id, asOf, nil); err != nil {
		t.Fatalf("writeInterpretation() error: %v", err)
	}
	var body struct {
		OrderID string               `json:"order_id"`
		AsOf    string               `json:"as_of"`
		Rows    []interpretation.Row `json:"rows"`
	}
	if err := json.Unmarshal(buf.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.OrderID != id.String() || body.AsOf != "2026-03-01T00:00:00Z" {
		t.Errorf("body = %+v", body)
	}
	if body.Rows == nil || len(body.Rows) != 0 {
		t.Errorf("rows = %v, want empty array", body.Rows)
	}
	if !strings.Contains(buf.String(), `"rows": []`) {
		t.Errorf("empty rows should encode as [], got %s", buf.String())
	}

	if err := writeInterpretation(&buf, "xml", id, asOf, nil); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, "tenant_default", []db.MigrationStatus{
		{Version: 1, Name: "001_laboratory.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_indexes.sql"},
	})
	out := buf.String()
	if !strings.Contains(out, "tenant_default") {
		t.Errorf("missing schema in %q", out)
	}
	if !strings.Contains(out, "applied    2026-01-02 03:04:05") {
		t.Errorf("missing applied row in %q", out)
	}
	if !strings.Contains(out, "002_indexes.sql") || !strings.Contains(out, "pending") {
		t.Errorf("missing pending row in %q", out)
	}
}

func TestNewServer_PublicAndProtectedRoutes(t *testing.T) {
	cfg := &config.Config{
		Env:            "production",
		DefaultTenant:  "default",
		AuthSigningKey: strings.Repeat("k", 32),
		CORSOrigins:    []string{"http://localhost:3000"},
	}
	e := newServer(cfg, nil, telemetry.NewCollector(), zerolog.Nop())

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/test-definitions", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

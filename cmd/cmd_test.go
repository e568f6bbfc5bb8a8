package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pillmate/devicecfg/internal/backend"
	"github.com/pillmate/devicecfg/internal/configuration"
	"github.com/pillmate/devicecfg/internal/header"
	"github.com/pillmate/devicecfg/internal/model"
	"github.com/pillmate/devicecfg/internal/preflight"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "4bc64296e1f0a8d37c52b9e6a01f4d8c2e7b95a3f6d01c8e4b72a95d3c6e1b0a20b8"

	legacyDir = "../internal/header/testdata"
)

func writeConfig(t *testing.T, backendURL, serial string) string {
	t.Helper()

	content := `
log_level: error
device:
  wifi_ssid: iPhone de Lucas
  wifi_password: "123456789"
  backend_url: ` + backendURL + `
  serial: ` + serial + `
  secret: ` + testSecret + `
probe:
  retry_max: 0
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestCheckProvisioned(t *testing.T) {
	out := &bytes.Buffer{}
	cfgFile := writeConfig(t, "https://lhrwgcekkogybemtykts.supabase.co", "ESP32-1CC34AACCD98")

	err := runCheck(context.Background(), &model.Args{ConfigFile: cfgFile}, &checkOptions{output: outputText}, out, nil)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "BootGate ESP32-1CC34AACCD98: succeeded")
	assert.Contains(t, out.String(), "[succeeded] Provisioned")
	assert.NotContains(t, out.String(), testSecret)
}

func TestCheckLegacyVariants(t *testing.T) {
	tests := []struct {
		file    string
		wantErr bool
	}{
		{"config_v1.h", true},
		{"config_v2.h", true},
		{"config_v3.h", true},
		{"config_v4.h", false},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			t.Setenv("PILLMATE_DEVICE_LEGACY_HEADER", filepath.Join(legacyDir, tt.file))

			textfile := filepath.Join(t.TempDir(), "pillmate.prom")
			out := &bytes.Buffer{}

			err := runCheck(context.Background(), &model.Args{LogLevel: "error"}, &checkOptions{output: outputJSON, metricsTextfile: textfile}, out, nil)

			status := &preflight.TaskStatus{}
			require.NoError(t, json.Unmarshal(out.Bytes(), status))

			metrics, rerr := os.ReadFile(textfile)
			require.NoError(t, rerr)

			if tt.wantErr {
				assert.True(t, errors.Is(err, model.ErrUnprovisioned))
				assert.Equal(t, "failed", status.Status)
				assert.Contains(t, string(metrics), "pillmate_device_provisioned 0")

				return
			}

			assert.NoError(t, err)
			assert.Equal(t, "succeeded", status.Status)
			assert.Contains(t, string(metrics), "pillmate_device_provisioned 1")
		})
	}
}

func TestCheckProbe(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"ok":true,"timestamp":"2024-05-01T10:00:00Z"}`))
	}))
	defer srv.Close()

	opts := &checkOptions{probe: true, output: outputText}
	transport := []backend.Option{backend.WithTransport(srv.Client().Transport)}

	out := &bytes.Buffer{}
	err := runCheck(context.Background(), &model.Args{ConfigFile: writeConfig(t, srv.URL, "ESP32-1CC34AACCD98")}, opts, out, transport)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "[succeeded] BackendHealth")
	assert.Equal(t, int32(1), calls.Load())

	out.Reset()
	err = runCheck(context.Background(), &model.Args{ConfigFile: writeConfig(t, srv.URL, "TU_SERIAL_AQUI")}, opts, out, transport)
	assert.True(t, errors.Is(err, model.ErrUnprovisioned))
	assert.Contains(t, out.String(), "[pending] BackendHealth")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheckRejectsUnknownOutput(t *testing.T) {
	err := runCheck(context.Background(), &model.Args{}, &checkOptions{output: "xml"}, &bytes.Buffer{}, nil)
	assert.True(t, errors.Is(err, model.ErrConfig))
}

func TestShowRedactsSecrets(t *testing.T) {
	out := &bytes.Buffer{}
	cfgFile := writeConfig(t, "https://lhrwgcekkogybemtykts.supabase.co", "ESP32-1CC34AACCD98")

	require.NoError(t, runShow(context.Background(), &model.Args{ConfigFile: cfgFile}, out))

	assert.NotContains(t, out.String(), testSecret)
	assert.NotContains(t, out.String(), "123456789")
	assert.Contains(t, out.String(), "serial: ESP32-1CC34AACCD98")
	assert.Contains(t, out.String(), "provisioned: true")
	assert.Contains(t, out.String(), "wifi_password_set: true")
}

func TestHeaderRefusesUnprovisioned(t *testing.T) {
	cfgFile := writeConfig(t, "https://cnbjuqvppulnfdxscesr.supabase.co", "TU_SERIAL_AQUI")
	out := filepath.Join(t.TempDir(), "config.h")

	err := runHeader(context.Background(), &model.Args{ConfigFile: cfgFile}, &headerOptions{out: out}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, model.ErrUnprovisioned))
	assert.NoFileExists(t, out)

	require.NoError(t, runHeader(context.Background(), &model.Args{ConfigFile: cfgFile}, &headerOptions{out: out, allowUnprovisioned: true}, &bytes.Buffer{}))
	assert.FileExists(t, out)
}

func TestHeaderRefusesInvalidBackend(t *testing.T) {
	cfgFile := writeConfig(t, "http://lhrwgcekkogybemtykts.supabase.co", "ESP32-1CC34AACCD98")

	err := runHeader(context.Background(), &model.Args{ConfigFile: cfgFile}, &headerOptions{out: "-", allowUnprovisioned: true}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, model.ErrInvalidBackendURL))
}

func TestMigrateThenRenderHeader(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")

	require.NoError(t, runMigrate(&migrateOptions{header: filepath.Join(legacyDir, "config_v4.h"), out: cfgFile}, &bytes.Buffer{}))

	info, err := os.Stat(cfgFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// a second run must not clobber the file
	err = runMigrate(&migrateOptions{header: filepath.Join(legacyDir, "config_v4.h"), out: cfgFile}, &bytes.Buffer{})
	assert.Error(t, err)

	config, err := configuration.Load(context.Background(), &model.Args{ConfigFile: cfgFile})
	require.NoError(t, err)
	assert.True(t, config.Device().IsProvisioned())

	out := &bytes.Buffer{}
	require.NoError(t, runHeader(context.Background(), &model.Args{ConfigFile: cfgFile}, &headerOptions{out: "-"}, out))

	defines, err := header.Parse(strings.NewReader(out.String()))
	require.NoError(t, err)
	assert.Equal(t, config.Device().Params(), defines.DeviceParams())
}

func TestWriteOutputRemovesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.h")

	err := writeOutput(path, &bytes.Buffer{}, false, func(w io.Writer) error {
		_, _ = w.Write([]byte(`#define DEVICE_SECRET "` + testSecret))
		return errors.New("disk full")
	})
	assert.EqualError(t, err, "disk full")
	assert.NoFileExists(t, path)

	require.NoError(t, writeOutput(path, &bytes.Buffer{}, false, func(w io.Writer) error {
		_, err := w.Write([]byte("ok"))
		return err
	}))
	assert.FileExists(t, path)
}

func TestMigrateMissingHeader(t *testing.T) {
	err := runMigrate(&migrateOptions{header: "/does/not/exist.h", out: "-"}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, model.ErrConfig))
}

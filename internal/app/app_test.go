package app

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"descfetch/internal/device"
)

const description = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:dial-multiscreen-org:device:dial:1</deviceType>
    <friendlyName>Kitchen Speaker</friendlyName>
    <UDN>uuid:9a1b</UDN>
  </device>
</root>`

func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	for k, v := range map[string]string{
		"ENV":                 "dev",
		"LOG_FILE":            "",
		"LOG_CONSOLE_LEVEL":   "error",
		"STORE_DRIVER":        "sqlite",
		"SQLITE_PATH":         filepath.Join("data", "test.db"),
		"FETCH_INITIAL_DELAY": "1ms",
		"FETCH_MAX_ATTEMPTS":  "3",
		"WATCH_URLS":          "",
		"TELEGRAM_BOT_TOKEN":  "",
	} {
		t.Setenv(k, v)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "descfetch dev")
}

func TestFetchCommand(t *testing.T) {
	isolate(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Application-URL", "http://192.0.2.20:8008/apps")
		_, _ = io.WriteString(w, description)
	}))
	defer srv.Close()

	out, err := execute(t, "fetch", srv.URL+"/dd.xml")
	require.NoError(t, err)

	var d device.Description
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, "Kitchen Speaker", d.FriendlyName)
	assert.Equal(t, "http://192.0.2.20:8008/apps", d.ApplicationURL)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchCommandErrors(t *testing.T) {
	isolate(t)
	_, err := execute(t, "fetch", "ftp://192.0.2.20/dd.xml")
	assert.Error(t, err)

	_, err = execute(t, "fetch")
	assert.Error(t, err)
}

func TestMigrateCommand(t *testing.T) {
	isolate(t)
	_, err := execute(t, "migrate")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join("data", "test.db"))
	assert.NoError(t, err)
}

func TestLoadFailsOnBadConfig(t *testing.T) {
	isolate(t)
	t.Setenv("STORE_DRIVER", "mysql")
	_, err := execute(t, "migrate")
	assert.Error(t, err)
}

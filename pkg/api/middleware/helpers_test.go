package middleware

import (
	"bufio"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/heartline/heartline/pkg/logger"
)

// fileLogger returns a JSON logger writing to a temp file and a func that
// reads everything logged so far.
func fileLogger(t *testing.T) (logger.Logger, func() string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "http.log")
	log := logger.New(&logger.Config{Level: logger.DebugLevel, Format: "json", Output: path})
	t.Cleanup(func() { _ = log.Close() })
	return log, func() string {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read log: %v", err)
		}
		return string(data)
	}
}

func statusHandler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

// hijackableRecorder is an httptest-like writer that supports Hijack.
type hijackableRecorder struct {
	http.ResponseWriter
	hijacked bool
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	client, server := net.Pipe()
	_ = client.Close()
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"sensorfuse/internal/fusion"
	"sensorfuse/internal/sensors"
)

//go:embed assets/*
var embeddedAssets embed.FS

// EngineController is the slice of *fusion.Engine the API drives.
type EngineController interface {
	Start(ctx context.Context, rate sensors.Rate) error
	Stop() error
	SetTolerance(azimuth, pitch, roll float64) error
	Snapshot() fusion.Snapshot
}

// Deps are the pieces the HTTP API serves. Engine, Logs and Status may be nil.
type Deps struct {
	Engine      EngineController
	Orientation *OrientationBroadcaster
	Status      *Status
	Logs        *LogBuffer
}

type tolerancePayload struct {
	Azimuth *float64 `json:"azimuth"`
	Pitch   *float64 `json:"pitch"`
	Roll    *float64 `json:"roll"`
}

// Handler builds the API mux. Engine runs started over HTTP live under ctx,
// not under the request that started them.
func Handler(ctx context.Context, d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	if d.Orientation == nil {
		d.Orientation = NewOrientationBroadcaster()
	}
	mux := http.NewServeMux()

	assetsFS, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		assetsFS = nil
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, d.Status.Snapshot(time.Now().UTC(), d.Engine, d.Orientation))
	})

	mux.HandleFunc("/api/orientation", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		m, ok := d.Orientation.Last()
		if !ok {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, m)
	})

	mux.HandleFunc("/ws", orientationStream(ctx, d.Orientation))

	mux.HandleFunc("/api/engine/start", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		if d.Engine == nil {
			http.Error(w, "engine unavailable", http.StatusNotFound)
			return
		}
		rate := sensors.RateUI
		if s := strings.TrimSpace(r.URL.Query().Get("rate")); s != "" {
			v, err := sensors.ParseRate(s)
			if err != nil {
				http.Error(w, "rate must be one of NORMAL, UI, GAME, FASTEST", http.StatusBadRequest)
				return
			}
			rate = v
		}
		if err := d.Engine.Start(ctx, rate); err != nil {
			http.Error(w, err.Error(), engineErrStatus(err))
			return
		}
		writeOK(w)
	})

	mux.HandleFunc("/api/engine/stop", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		if d.Engine == nil {
			http.Error(w, "engine unavailable", http.StatusNotFound)
			return
		}
		if err := d.Engine.Stop(); err != nil {
			http.Error(w, err.Error(), engineErrStatus(err))
			return
		}
		writeOK(w)
	})

	mux.HandleFunc("/api/engine/tolerance", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPut) {
			return
		}
		if d.Engine == nil {
			http.Error(w, "engine unavailable", http.StatusNotFound)
			return
		}
		in, err := decodeTolerance(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.Engine.SetTolerance(*in.Azimuth, *in.Pitch, *in.Roll); err != nil {
			http.Error(w, err.Error(), engineErrStatus(err))
			return
		}
		writeOK(w)
	})

	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}
	mux.Handle("/api/about", AboutHandler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		if r.URL.Path != "/" && r.URL.Path != "/index.html" {
			http.NotFound(w, r)
			return
		}
		if assetsFS == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>sensorfuse</title></head><body>")
			_, _ = fmt.Fprintf(w, "<h1>sensorfuse</h1><p>UI is unavailable. Use <a href=\"/api/status\">/api/status</a>.</p>")
			_, _ = fmt.Fprintf(w, "</body></html>")
			return
		}
		b, err := fs.ReadFile(assetsFS, "index.html")
		if err != nil {
			http.Error(w, "ui unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})

	return mux
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{\"ok\":true}\n"))
}

func engineErrStatus(err error) int {
	switch {
	case errors.Is(err, fusion.ErrAlreadyRunning), errors.Is(err, fusion.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, fusion.ErrDisposed):
		return http.StatusGone
	default:
		return http.StatusBadRequest
	}
}

// decodeTolerance requires all three axes; there are no partial updates.
func decodeTolerance(body io.Reader) (tolerancePayload, error) {
	dec := json.NewDecoder(io.LimitReader(body, 4096))
	dec.DisallowUnknownFields()
	var in tolerancePayload
	if err := dec.Decode(&in); err != nil {
		return tolerancePayload{}, fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return tolerancePayload{}, errors.New("invalid json: trailing data")
	}
	for _, f := range []struct {
		name string
		v    *float64
	}{{"azimuth", in.Azimuth}, {"pitch", in.Pitch}, {"roll", in.Roll}} {
		if f.v == nil {
			return tolerancePayload{}, fmt.Errorf("invalid json: missing required key %q", f.name)
		}
		if *f.v < 0 {
			return tolerancePayload{}, fmt.Errorf("%s must be >= 0", f.name)
		}
	}
	return in, nil
}

func Serve(ctx context.Context, listenAddr string, d Deps) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(ctx, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

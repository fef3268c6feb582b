package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"time"

	"sensorfuse/internal/sensors"
)

const serviceName = "sensorfuse"

type AboutResponse struct {
	Service   string   `json:"service"`
	NowUTC    string   `json:"now_utc"`
	GoVersion string   `json:"go_version"`
	Rates     []string `json:"rates"`
	buildInfo
}

type buildInfo struct {
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
}

func readBuild() buildInfo {
	var out buildInfo
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.ModulePath = bi.Main.Path
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		case "vcs.time":
			out.BuildTime = s.Value
		}
	}
	return out
}

func AboutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := AboutResponse{
			Service:   serviceName,
			NowUTC:    time.Now().UTC().Format(time.RFC3339Nano),
			GoVersion: runtime.Version(),
			Rates:     rateNames(),
			buildInfo: readBuild(),
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, resp)
	})
}

func rateNames() []string {
	var out []string
	for r := sensors.RateNormal; r <= sensors.RateFastest; r++ {
		out = append(out, r.String())
	}
	return out
}

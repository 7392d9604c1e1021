// Package webserver implements the diagnostics dashboard.
package webserver

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"text/template"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/shadowfs/shadowfs/internal/logging"
	"github.com/shadowfs/shadowfs/internal/mirror"
)

var (
	//go:embed templates/*.html
	templateFS    embed.FS
	indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

	// errInvalidArgument is for an invalid constructor argument.
	errInvalidArgument = errors.New("invalid argument")
)

// FSDashboard is the implementation of the filesystem diagnostics dashboard.
type FSDashboard struct {
	version string
	fsys    *mirror.FS
	rbuf    *logging.RingBuffer
}

// NewFSDashboard returns a pointer to a new [FSDashboard].
func NewFSDashboard(fsys *mirror.FS, rbuf *logging.RingBuffer, version string) (*FSDashboard, error) {
	if fsys == nil {
		return nil, fmt.Errorf("%w: need filesystem", errInvalidArgument)
	}
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need ring buffer", errInvalidArgument)
	}

	return &FSDashboard{
		version: version,
		fsys:    fsys,
		rbuf:    rbuf,
	}, nil
}

// Serve serves the diagnostics dashboard as part of a [http.Server].
func (d *FSDashboard) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: d.dashboardMux()}

	go func() {
		defer func() {
			r := recover()
			if r != nil {
				fmt.Fprintf(os.Stderr, "(webserver) PANIC: %v\n", r)
				debug.PrintStack()
			}
		}()
		d.rbuf.Printf("serving dashboard on %s\n", addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.rbuf.Printf("HTTP error: %v\n", err)
		}
	}()

	return srv
}

func (d *FSDashboard) dashboardMux() *mux.Router {
	mux := mux.NewRouter()

	mux.HandleFunc("/", d.dashboardHandler)
	mux.HandleFunc("/metrics.json", d.metricsHandler)
	mux.HandleFunc("/gc", d.gcHandler)
	mux.HandleFunc("/quiesce", d.quiesceHandler)

	mux.HandleFunc("/set/enabled/{value}", d.enabledHandler)

	return mux
}

type fsDashboardData struct {
	AllocBytes      string   `json:"allocBytes"`
	AccessLogDir    string   `json:"accessLogDir"`
	Cache           string   `json:"cache"`
	Logs            []string `json:"logs"`
	MonikerSize     int      `json:"monikerSize"`
	NumGC           uint32   `json:"numGc"`
	PendingTotal    int      `json:"pendingTotal"`
	QuiesceCount    uint64   `json:"quiesceCount"`
	RegistryRecords int      `json:"registryRecords"`
	RingBufferSize  int      `json:"ringBufferSize"`
	SysBytes        string   `json:"sysBytes"`
	TabletSizes     []int    `json:"tabletSizes"`
	TokenCount      int      `json:"tokenCount"`
	TotalAlloc      string   `json:"totalAlloc"`
	TotalCreates    int64    `json:"totalCreates"`
	TotalErrors     int64    `json:"totalErrors"`
	TotalLookups    int64    `json:"totalLookups"`
	TotalOpens      int64    `json:"totalOpens"`
	TotalReleases   int64    `json:"totalReleases"`
	TracerEnabled   string   `json:"tracerEnabled"`
	Uptime          string   `json:"uptime"`
	Version         string   `json:"version"`
}

func (d *FSDashboard) collectMetrics() fsDashboardData {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	lines := d.rbuf.Lines()
	slices.Reverse(lines)

	sizes := d.fsys.Tracer().Store().Sizes()
	pending := 0
	for _, s := range sizes {
		pending += s
	}

	return fsDashboardData{
		AllocBytes:      humanize.IBytes(m.Alloc),
		AccessLogDir:    d.fsys.Tracer().Dir(),
		Cache:           enabledOrDisabled(d.fsys.Options.Cache),
		Logs:            lines,
		MonikerSize:     d.fsys.Trie().Size(),
		NumGC:           m.NumGC,
		PendingTotal:    pending,
		QuiesceCount:    d.fsys.Tracer().Epoch(),
		RegistryRecords: d.fsys.Registry().Len(),
		RingBufferSize:  d.rbuf.Size(),
		SysBytes:        humanize.IBytes(m.Sys),
		TabletSizes:     sizes,
		TokenCount:      d.fsys.Trie().TokenCount(),
		TotalAlloc:      humanize.IBytes(m.TotalAlloc),
		TotalCreates:    d.fsys.Metrics.TotalCreates.Load(),
		TotalErrors:     d.fsys.Metrics.TotalErrors.Load(),
		TotalLookups:    d.fsys.Metrics.TotalLookups.Load(),
		TotalOpens:      d.fsys.Metrics.TotalOpens.Load(),
		TotalReleases:   d.fsys.Metrics.TotalReleases.Load(),
		TracerEnabled:   enabledOrDisabled(d.fsys.Tracer().Enabled()),
		Uptime:          humanize.Time(d.fsys.MountTime),
		Version:         d.version,
	}
}

func (d *FSDashboard) dashboardHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collectMetrics()

	if err := indexTemplate.Execute(w, data); err != nil {
		d.rbuf.Printf("HTTP template execution error: %v\n", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *FSDashboard) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collectMetrics()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *FSDashboard) gcHandler(w http.ResponseWriter, _ *http.Request) {
	runtime.GC()
	debug.FreeOSMemory()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	d.rbuf.Printf("GC forced via API, current heap: %s.\n", humanize.IBytes(m.Alloc))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "GC forced, current heap: %s.\n", humanize.IBytes(m.Alloc))
}

func (d *FSDashboard) quiesceHandler(w http.ResponseWriter, _ *http.Request) {
	path, err := d.fsys.Tracer().Quiesce(os.Getpid())
	if err != nil {
		http.Error(w, fmt.Sprintf("Quiesce error: %v", err), http.StatusInternalServerError)

		return
	}

	d.rbuf.Printf("Quiesce forced via API, wrote %q.\n", path)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Quiesce complete, wrote %q.\n", path)
}

func (d *FSDashboard) enabledHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	val, err := strconv.ParseBool(vars["value"])
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid boolean value: %v", err), http.StatusBadRequest)

		return
	}
	d.fsys.Tracer().SetEnabled(val)

	d.rbuf.Printf("Tracer enabled set via API: %t.\n", val)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Tracer enabled set: %t.\n", val)
}

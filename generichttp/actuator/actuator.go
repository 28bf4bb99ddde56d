// Package actuator exposes the rig's positioner and procedure runner over HTTP
package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/nasa-jpl/ecrig/generichttp"
	"github.com/nasa-jpl/ecrig/position"
	"github.com/nasa-jpl/ecrig/procedure"
	"github.com/nasa-jpl/ecrig/server/middleware/locker"
)

// ErrBusy is returned when a procedure is started while another runs
var ErrBusy = errors.New("a procedure is already running")

// Leveler reads the actuator position
type Leveler interface {
	Level() (int, error)
}

// Seeker moves the actuator to a position
type Seeker interface {
	Seek(ctx context.Context, target int) (position.SeekResult, error)
}

// Resetter drives the actuator to either hard limit
type Resetter interface {
	ResetMin(ctx context.Context, magnitude int) (int, error)
	ResetMax(ctx context.Context, magnitude int) (int, error)
}

// Stopper stops all motion
type Stopper interface {
	StopAll() error
}

// HTTPLevel adds the level route to the table
func HTTPLevel(iface Leveler, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/level"}] = generichttp.GetInt(iface.Level)
}

// HTTPSeek adds the position route to the table
func HTTPSeek(iface Seeker, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/pos"}] = Seek(iface)
}

// HTTPReset adds the reset routes to the table
func HTTPReset(iface Resetter, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/reset-min"}] = Reset(iface.ResetMin)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/reset-max"}] = Reset(iface.ResetMax)
}

// HTTPStop adds the stop route to the table
func HTTPStop(iface Stopper, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = generichttp.Do(iface.StopAll)
}

// Seek returns a handler which seeks to the {'int': level} in the body and
// replies with the result
func Seek(s Seeker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in generichttp.IntT
		if err := decode(r, &in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := s.Seek(r.Context(), in.Int)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, position.ErrTarget) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		generichttp.Reply(w, res)
	}
}

// Reset returns a handler calling fn with the magnitude query parameter, if any
func Reset(fn func(context.Context, int) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mag := 0
		if q := r.URL.Query().Get("magnitude"); q != "" {
			var err error
			if mag, err = strconv.Atoi(q); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		lvl, err := fn(r.Context(), mag)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		generichttp.Reply(w, generichttp.IntT{Int: lvl})
	}
}

// RunFunc runs a procedure once
type RunFunc func(ctx context.Context) (procedure.Report, error)

// Status describes the current or last procedure run
type Status struct {
	Running  bool    `json:"running"`
	RunID    string  `json:"run_id,omitempty"`
	Routines int     `json:"routines"`
	Elapsed  float64 `json:"elapsed_s"`
	Error    string  `json:"error,omitempty"`
}

// Runner starts procedures in the background, one at a time.  The locker is
// held for the duration of each run.
type Runner struct {
	Run  RunFunc
	Lock *locker.Locker
	Log  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	status Status
}

// NewRunner returns a runner whose procedures are cancelled with ctx
func NewRunner(ctx context.Context, run RunFunc, lock *locker.Locker, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if lock == nil {
		lock = locker.New()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Runner{Run: run, Lock: lock, Log: log, ctx: ctx, cancel: cancel}
}

// Start begins a run, or returns ErrBusy
func (r *Runner) Start() error {
	if !r.Lock.TryHold() {
		return ErrBusy
	}
	r.mu.Lock()
	r.status = Status{Running: true}
	r.mu.Unlock()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.Lock.Release()
		rep, err := r.Run(r.ctx)
		st := Status{RunID: rep.RunID, Routines: len(rep.Results), Elapsed: rep.Elapsed.Seconds()}
		if err != nil {
			st.Error = err.Error()
			r.Log.Errorw("procedure run failed", "run", rep.RunID, "err", err)
		}
		r.mu.Lock()
		r.status = st
		r.mu.Unlock()
	}()
	return nil
}

// Status returns the state of the current or last run
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Stop cancels any run in progress and waits for it to finish cleaning up
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until no run is in progress
func (r *Runner) Wait() {
	r.wg.Wait()
}

// HTTPRun adds the run routes to the table
func HTTPRun(run *Runner, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/run"}] = func(w http.ResponseWriter, r *http.Request) {
		if err := run.Start(); err != nil {
			http.Error(w, err.Error(), http.StatusLocked)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/run"}] = func(w http.ResponseWriter, r *http.Request) {
		generichttp.Reply(w, run.Status())
	}
}

// HTTPRig holds the route table of a rig
type HTTPRig struct {
	RouteTable generichttp.RouteTable
}

// Rig is everything the HTTP interface drives
type Rig interface {
	Leveler
	Seeker
	Resetter
}

// NewHTTPRig builds the routes for a rig.  run may be nil, in which case no
// procedure routes are added.
func NewHTTPRig(rig Rig, stop Stopper, th *position.Thresholds, run *Runner) HTTPRig {
	rt := generichttp.RouteTable{}
	HTTPLevel(rig, rt)
	HTTPSeek(rig, rt)
	HTTPReset(rig, rt)
	HTTPStop(stop, rt)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/thresholds"}] = func(w http.ResponseWriter, r *http.Request) {
		generichttp.Reply(w, *th)
	}
	if run != nil {
		HTTPRun(run, rt)
	}
	return HTTPRig{RouteTable: rt}
}

// RT satisfies generichttp.HTTPer
func (h HTTPRig) RT() generichttp.RouteTable {
	return h.RouteTable
}

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

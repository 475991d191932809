// Package httpapi is Blackhole's JSON-over-HTTP surface: take lookups and
// updates, recording start/stop, and export kickoff (spec.md §6, "HTTP
// API"; grounded on vincent99-velocipi/server/main.go's un-framework'd
// net/http.ServeMux + manual CORS style, and route shapes from
// original_source/blackhole/server.py).
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/magnopus-opensource/blackhole-server/internal/capture"
	"github.com/magnopus-opensource/blackhole-server/internal/catalog"
	"github.com/magnopus-opensource/blackhole-server/internal/export"
	"github.com/magnopus-opensource/blackhole-server/internal/session"
)

// Server wires the HTTP surface to its backing collaborators.
type Server struct {
	Catalog     *catalog.Catalog
	Sessions    *session.Manager
	Export      *export.Packager
	ArchiveRoot string
	Devices     []capture.DeviceConfig
}

// Routes builds the request mux, wrapped in CORS middleware matching the
// teacher's server/main.go corsMiddleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /take/{slate}/{take_number}", s.handleGetTake)
	mux.HandleFunc("GET /take/", s.handleListTakes)
	mux.HandleFunc("PUT /take/update", s.handleUpdateTake)
	mux.HandleFunc("GET /recording", s.handleRecordingStatus)
	mux.HandleFunc("POST /recording/{slate}/{take_number}/start", s.handleStart)
	mux.HandleFunc("POST /recording/{slate}/{take_number}/stop", s.handleStop)
	mux.HandleFunc("POST /export_selection", s.handleExportSelection)
	mux.HandleFunc("POST /export_by_date", s.handleExportByDate)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the "human-readable detail string" shape from spec.md §7.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

func takeNumberFromPath(r *http.Request) (int, error) {
	return strconv.Atoi(r.PathValue("take_number"))
}

// handleGetTake implements "GET /take/{slate}/{take_number}" (spec.md §6).
func (s *Server) handleGetTake(w http.ResponseWriter, r *http.Request) {
	slate := r.PathValue("slate")
	takeNumber, err := takeNumberFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "take_number must be an integer")
		return
	}

	take, err := s.Catalog.Get(slate, takeNumber)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("take with slate %q and take number %d does not exist", slate, takeNumber))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, take)
}

// handleListTakes implements "GET /take/?start_date&end_date&slate_hint"
// (spec.md §6: "dates inclusive", "slate_hint is a prefix match").
func (s *Server) handleListTakes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var startDate, endDate *time.Time
	if v := q.Get("start_date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
		startDate = &t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}
		endDate = &t
	}

	takes, err := s.Catalog.GetMany(startDate, endDate, q.Get("slate_hint"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if takes == nil {
		takes = []catalog.Take{}
	}
	writeJSON(w, http.StatusOK, takes)
}

// takeUpdateBody is the JSON shape of "PUT /take/update"'s body (spec.md
// §6). Every field besides Slate/TakeNumber is optional; fields omitted
// from the request body leave the existing row's value untouched.
type takeUpdateBody struct {
	Slate      string `json:"slate"`
	TakeNumber int    `json:"take_number"`

	CorrectedSlate      *string `json:"corrected_slate,omitempty"`
	CorrectedTakeNumber *int    `json:"corrected_take_number,omitempty"`

	Valid *bool `json:"valid,omitempty"`

	FrameRate         *int    `json:"frame_rate,omitempty"`
	TimecodeInFrames  *int    `json:"timecode_in_frames,omitempty"`
	TimecodeOutFrames *int    `json:"timecode_out_frames,omitempty"`
	TimecodeInSMPTE   *string `json:"timecode_in_smpte,omitempty"`
	TimecodeOutSMPTE  *string `json:"timecode_out_smpte,omitempty"`

	LevelSequenceLocation *string `json:"level_sequence_location,omitempty"`
	LevelSnapshotLocation *string `json:"level_snapshot_location,omitempty"`
	Map                   *string `json:"map,omitempty"`
	Description           *string `json:"description,omitempty"`
	USDExportLocation     *string `json:"usd_export_location,omitempty"`
}

func (b takeUpdateBody) toTake() *catalog.Take {
	t := &catalog.Take{
		Slate:                 b.Slate,
		TakeNumber:            b.TakeNumber,
		CorrectedSlate:        b.CorrectedSlate,
		CorrectedTakeNumber:   b.CorrectedTakeNumber,
		FrameRate:             b.FrameRate,
		TimecodeInFrames:      b.TimecodeInFrames,
		TimecodeOutFrames:     b.TimecodeOutFrames,
		TimecodeInSMPTE:       b.TimecodeInSMPTE,
		TimecodeOutSMPTE:      b.TimecodeOutSMPTE,
		LevelSequenceLocation: b.LevelSequenceLocation,
		LevelSnapshotLocation: b.LevelSnapshotLocation,
		Map:                   b.Map,
		Description:           b.Description,
		USDExportLocation:     b.USDExportLocation,
	}
	if b.Valid != nil {
		t.Valid = *b.Valid
	}
	return t
}

// handleUpdateTake implements "PUT /take/update": creates the row if
// (slate, take_number) is absent, otherwise patches it (spec.md §6).
func (s *Server) handleUpdateTake(w http.ResponseWriter, r *http.Request) {
	var body takeUpdateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Slate == "" {
		writeError(w, http.StatusBadRequest, "slate is required")
		return
	}

	exists, err := s.Catalog.Exists(body.Slate, body.TakeNumber)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var take *catalog.Take
	if !exists {
		patch := body.toTake()
		patch.DateCreated = time.Now().UTC()
		take, err = s.Catalog.Insert(patch)
	} else {
		take, err = s.Catalog.Update(body.Slate, body.TakeNumber, body.toTake())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, take)
}

// recordingStatusBody is the "GET /recording" response shape. All four
// fields Manager.Status returns are surfaced, closing the arity bug noted
// in spec.md §9 ("destructures three values but the manager returns four").
type recordingStatusBody struct {
	Status     string `json:"status"`
	Slate      string `json:"slate,omitempty"`
	TakeNumber int    `json:"take_number,omitempty"`
	FrameRate  int    `json:"frame_rate,omitempty"`
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Sessions.Status()
	if !st.IsRecording {
		writeJSON(w, http.StatusOK, recordingStatusBody{Status: "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, recordingStatusBody{
		Status:     "started",
		Slate:      st.Slate,
		TakeNumber: st.TakeNumber,
		FrameRate:  st.FrameRate,
	})
}

type startResponse struct {
	Status string        `json:"status"`
	Result *catalog.Take `json:"result"`
}

// handleStart implements "POST /recording/{slate}/{take_number}/start
// ?frame_rate&timecode_in&description?&map?" (spec.md §6).
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	slate := r.PathValue("slate")
	takeNumber, err := takeNumberFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "take_number must be an integer")
		return
	}

	q := r.URL.Query()
	frameRate, err := strconv.Atoi(q.Get("frame_rate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "frame_rate must be an integer")
		return
	}
	timecodeIn, err := strconv.Atoi(q.Get("timecode_in"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "timecode_in must be an integer")
		return
	}

	take, err := s.Sessions.Start(slate, takeNumber, frameRate, s.ArchiveRoot, timecodeIn, q.Get("description"), q.Get("map"), s.Devices)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrConflict):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, catalog.ErrAlreadyExists):
			writeError(w, http.StatusBadRequest, fmt.Sprintf("slate %q take %d has already been recorded", slate, takeNumber))
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, startResponse{Status: "started", Result: take})
}

type stopResponse struct {
	Status string        `json:"status"`
	Result *catalog.Take `json:"result"`
}

// handleStop implements "POST /recording/{slate}/{take_number}/stop
// ?timecode_out&sequence_path?&snapshot_path?&description?" (spec.md §6).
// Archiving continues on the session's own background goroutine after
// this handler returns; the response's Result reflects the catalog row as
// it stands the instant the stop was accepted, not after archival
// completes (spec.md §7: "Background archive failures are not surfaced to
// the client that issued /stop").
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	slate := r.PathValue("slate")
	takeNumber, err := takeNumberFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "take_number must be an integer")
		return
	}

	st := s.Sessions.Status()
	if !st.IsRecording {
		writeError(w, http.StatusBadRequest, "no recording in progress")
		return
	}

	q := r.URL.Query()
	timecodeOut, err := strconv.Atoi(q.Get("timecode_out"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "timecode_out must be an integer")
		return
	}

	extra := session.TakeExtras{
		SequencePath: q.Get("sequence_path"),
		SnapshotPath: q.Get("snapshot_path"),
		Description:  q.Get("description"),
	}
	if err := s.Sessions.Stop(slate, takeNumber, timecodeOut, extra); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	take, err := s.Catalog.Get(slate, takeNumber)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{Status: "stopped", Result: take})
}

type exportResponse struct {
	ExportLocation    string         `json:"export_location"`
	SuccessfulExports []catalog.Take `json:"successful_exports"`
	FailedExports     []catalog.Take `json:"failed_exports"`
}

func (s *Server) respondExport(w http.ResponseWriter, result *export.Result) {
	successful := result.SuccessfulExports
	if successful == nil {
		successful = []catalog.Take{}
	}
	failed := result.FailedExports
	if failed == nil {
		failed = []catalog.Take{}
	}
	writeJSON(w, http.StatusOK, exportResponse{
		ExportLocation:    result.ExportLocation,
		SuccessfulExports: successful,
		FailedExports:     failed,
	})
}

type exportSelectionBody struct {
	IDList [][2]interface{} `json:"id_list"`
}

// handleExportSelection implements "POST /export_selection", body
// {id_list:[[slate,take]...]}" (spec.md §6).
func (s *Server) handleExportSelection(w http.ResponseWriter, r *http.Request) {
	var body exportSelectionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	pairs := make([]catalog.SlateTake, 0, len(body.IDList))
	for _, pair := range body.IDList {
		if len(pair) != 2 {
			writeError(w, http.StatusBadRequest, "each id_list entry must be [slate, take_number]")
			return
		}
		slate, ok := pair[0].(string)
		if !ok {
			writeError(w, http.StatusBadRequest, "id_list[0] must be a string slate")
			return
		}
		takeFloat, ok := pair[1].(float64)
		if !ok {
			writeError(w, http.StatusBadRequest, "id_list[1] must be a take number")
			return
		}
		pairs = append(pairs, catalog.SlateTake{Slate: slate, TakeNumber: int(takeFloat)})
	}

	takes, err := s.Catalog.GetByIDs(pairs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := s.Export.Export(time.Now(), takes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondExport(w, result)
}

type exportByDateBody struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// handleExportByDate implements "POST /export_by_date", body
// {start_date,end_date}" (spec.md §6).
func (s *Server) handleExportByDate(w http.ResponseWriter, r *http.Request) {
	var body exportByDateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	startDate, err := time.Parse("2006-01-02", body.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		return
	}
	endDate, err := time.Parse("2006-01-02", body.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
		return
	}

	takes, err := s.Catalog.GetMany(&startDate, &endDate, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := s.Export.Export(time.Now(), takes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondExport(w, result)
}

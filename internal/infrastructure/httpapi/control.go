package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type startProxyRequest struct {
	Port int `json:"port"`
}

type pidsRequest struct {
	PIDs []uint32 `json:"pids"`
}

// decodeOptionalJSON accepts an empty body as the zero value.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (d *Deps) handleProxyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Svc.ProxyStatus())
}

func (d *Deps) handleProxyStart(w http.ResponseWriter, r *http.Request) {
	var req startProxyRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, "BAD_PORT", "port must be between 0 and 65535", map[string]any{"port": req.Port})
		return
	}
	st, err := d.Svc.StartProxy(r.Context(), req.Port)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (d *Deps) handleProxyStop(w http.ResponseWriter, r *http.Request) {
	if err := d.Svc.StopProxy(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Svc.ProxyStatus())
}

func (d *Deps) handleCAInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Svc.CAInfo())
}

func (d *Deps) handleCACert(w http.ResponseWriter, r *http.Request) {
	info := d.Svc.CAInfo()
	if !info.Exists || info.PEM == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no CA certificate", nil)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", "attachment; filename=netcapture-ca.crt")
	_, _ = w.Write([]byte(info.PEM))
}

func (d *Deps) handleCAInstructions(w http.ResponseWriter, r *http.Request) {
	lang := r.URL.Query().Get("lang")
	writeJSON(w, http.StatusOK, map[string]string{
		"os":   runtime.GOOS,
		"lang": lang,
		"text": d.Svc.InstallInstructions(lang),
	})
}

func (d *Deps) handleRedirectorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Svc.RedirectorStatus())
}

func (d *Deps) handleRedirectorStart(w http.ResponseWriter, r *http.Request) {
	if err := d.Svc.StartRedirector(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Svc.RedirectorStatus())
}

func (d *Deps) handleRedirectorStop(w http.ResponseWriter, r *http.Request) {
	if err := d.Svc.StopRedirector(); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Svc.RedirectorStatus())
}

func (d *Deps) handleSetPIDs(w http.ResponseWriter, r *http.Request) {
	var req pidsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "expected {\"pids\": [...]}", nil)
		return
	}
	d.Svc.SetPIDs(req.PIDs)
	writeJSON(w, http.StatusOK, pidsRequest{PIDs: d.Svc.PIDs()})
}

func (d *Deps) handleClearPIDs(w http.ResponseWriter, r *http.Request) {
	d.Svc.ClearPIDs()
	writeJSON(w, http.StatusOK, pidsRequest{PIDs: d.Svc.PIDs()})
}

func pidParam(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := chi.URLParam(r, "pid")
	pid, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_PID", "pid must be an unsigned 32-bit integer", map[string]any{"pid": raw})
		return 0, false
	}
	return uint32(pid), true
}

func (d *Deps) handleAddPID(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	d.Svc.AddPID(pid)
	writeJSON(w, http.StatusOK, pidsRequest{PIDs: d.Svc.PIDs()})
}

func (d *Deps) handleRemovePID(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	d.Svc.RemovePID(pid)
	writeJSON(w, http.StatusOK, pidsRequest{PIDs: d.Svc.PIDs()})
}

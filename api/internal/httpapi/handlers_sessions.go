package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/identify"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/intake"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/util"
)

var validate = validator.New()

type SessionHandler struct {
	ctrl  *identify.Controller
	rules intake.Rules
}

func NewSessionHandler(ctrl *identify.Controller, rules intake.Rules) *SessionHandler {
	return &SessionHandler{ctrl: ctrl, rules: rules}
}

// imageRequest is the JSON alternative to a multipart upload. Image is base64,
// optionally as a data: URL.
type imageRequest struct {
	Image string `json:"image" validate:"required"`
}

type selectRequest struct {
	Species string `json:"species" validate:"required,max=200"`
}

type noticeView struct {
	Kind                identify.NoticeKind `json:"kind"`
	Species             string              `json:"species,omitempty"`
	Warning             string              `json:"warning,omitempty"`
	RetrainingProgress  *int                `json:"retraining_progress,omitempty"`
	RetrainingTriggered bool                `json:"retraining_triggered,omitempty"`
}

type sessionView struct {
	Handle       string            `json:"handle"`
	SessionID    string            `json:"session_id,omitempty"`
	Screen       identify.Screen   `json:"screen"`
	AttemptCount int               `json:"attempt_count"`
	MaxAttempts  int               `json:"max_attempts"`
	Excluded     []string          `json:"excluded"`
	HasImage     bool              `json:"has_image"`
	Prediction   *plant.Prediction `json:"prediction,omitempty"`
	Alternatives []plant.Candidate `json:"alternatives,omitempty"`
	Notice       *noticeView       `json:"notice,omitempty"`
}

func view(handle string, st identify.State) sessionView {
	v := sessionView{
		Handle:       handle,
		SessionID:    st.ID,
		Screen:       st.Screen,
		AttemptCount: st.AttemptCount,
		MaxAttempts:  st.MaxAttempts,
		Excluded:     st.Excluded,
		HasImage:     !st.Image.Empty(),
		Prediction:   st.Current,
		Alternatives: st.Alternatives,
	}
	if v.Excluded == nil {
		v.Excluded = []string{}
	}
	if n := st.Notice; n != nil {
		v.Notice = &noticeView{Kind: n.Kind, Species: n.Species, Warning: n.Warning}
		if n.Receipt != nil {
			v.Notice.RetrainingProgress = n.Receipt.RetrainingProgress
			v.Notice.RetrainingTriggered = n.Receipt.RetrainingTriggered
		}
	}
	return v
}

// handleParam returns the {handle} path value. Chat handles are not reachable
// from the web API.
func handleParam(r *http.Request) (string, bool) {
	h := strings.TrimSpace(chi.URLParam(r, "handle"))
	if h == "" || strings.HasPrefix(h, "tg:") {
		return "", false
	}
	return h, true
}

// session resolves the handle and writes a 404 when it does not exist.
func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (string, identify.State, bool) {
	handle, ok := handleParam(r)
	if !ok {
		writeErr(w, identify.ErrSessionNotFound)
		return "", identify.State{}, false
	}
	st, err := h.ctrl.Snapshot(handle)
	if err != nil {
		writeErr(w, err)
		return "", identify.State{}, false
	}
	return handle, st, true
}

// Create handles POST /sessions
func (h *SessionHandler) Create(w http.ResponseWriter, _ *http.Request) {
	handle := h.ctrl.NewHandle()
	st, _ := h.ctrl.Snapshot(handle)
	writeJSON(w, http.StatusCreated, view(handle, st))
}

// Get handles GET /sessions/{handle}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	handle, st, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view(handle, st))
}

// Image handles POST /sessions/{handle}/image, either multipart (field
// "image") or JSON {"image": "data:image/jpeg;base64,..."}.
func (h *SessionHandler) Image(w http.ResponseWriter, r *http.Request) {
	handle, _, ok := h.session(w, r)
	if !ok {
		return
	}
	data, err := h.readUpload(w, r)
	if err != nil {
		writeErr(w, err)
		return
	}
	img, err := intake.Prepare(data, h.rules)
	if err != nil {
		writeErr(w, err)
		return
	}
	st, err := h.ctrl.StartSession(r.Context(), handle, img)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(handle, st))
}

func (h *SessionHandler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := h.rules.MaxSize
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
		return h.readEncodedUpload(w, r)
	}
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, intake.ErrTooLarge
		}
		return nil, fmt.Errorf("%w: %v", plant.ErrMalformedInput, err)
	}
	f, _, err := r.FormFile("image")
	if err != nil {
		return nil, fmt.Errorf("%w: image field: %v", identify.ErrNoImage, err)
	}
	defer f.Close()
	if limit > 0 {
		// one byte over the limit is enough for intake.Prepare to refuse it
		return io.ReadAll(io.LimitReader(f, limit+1))
	}
	return io.ReadAll(f)
}

func (h *SessionHandler) readEncodedUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if limit := h.rules.MaxSize; limit > 0 {
		// base64 grows the payload by a third
		r.Body = http.MaxBytesReader(w, r.Body, limit*4/3+1<<20)
	}
	var req imageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, intake.ErrTooLarge
		}
		return nil, fmt.Errorf("%w: %v", plant.ErrMalformedInput, err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: image field: %v", identify.ErrNoImage, err)
	}
	data, hint, err := util.DecodeBase64MaybeDataURL(req.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: image is not base64: %v", plant.ErrMalformedInput, err)
	}
	// the declared type must agree with the bytes
	if hint != "" && !util.ExtensionAllowed(util.SniffMimeHTTP(data), []string{strings.TrimPrefix(hint, "image/")}) {
		return nil, fmt.Errorf("%w: declared %s", intake.ErrUnsupported, hint)
	}
	return data, nil
}

// Reject handles POST /sessions/{handle}/reject
func (h *SessionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	handle, _, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := h.ctrl.RejectCurrent(r.Context(), handle)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(handle, st))
}

// Alternatives handles GET /sessions/{handle}/alternatives?count=
func (h *SessionHandler) Alternatives(w http.ResponseWriter, r *http.Request) {
	handle, _, ok := h.session(w, r)
	if !ok {
		return
	}
	count := 0
	if q := r.URL.Query().Get("count"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || validate.Var(n, "min=1,max=10") != nil {
			writeError(w, http.StatusBadRequest, "invalid_count", "count must be between 1 and 10")
			return
		}
		count = n
	}
	opts, err := h.ctrl.ListAlternatives(r.Context(), handle, count)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alternatives": opts})
}

// Confirm handles POST /sessions/{handle}/confirm
func (h *SessionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	handle, _, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := h.ctrl.ConfirmCorrect(r.Context(), handle)
	h.finished(w, handle, st, err)
}

// Select handles POST /sessions/{handle}/select
func (h *SessionHandler) Select(w http.ResponseWriter, r *http.Request) {
	handle, _, ok := h.session(w, r)
	if !ok {
		return
	}
	var req selectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	st, err := h.ctrl.SelectAlternative(r.Context(), handle, req.Species)
	h.finished(w, handle, st, err)
}

// Decline handles POST /sessions/{handle}/decline
func (h *SessionHandler) Decline(w http.ResponseWriter, r *http.Request) {
	handle, _, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := h.ctrl.DeclineAll(r.Context(), handle)
	h.finished(w, handle, st, err)
}

// finished answers a terminal action. The notice is delivered in the
// response, so it is consumed here.
func (h *SessionHandler) finished(w http.ResponseWriter, handle string, st identify.State, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	h.ctrl.TakeNotice(handle)
	writeJSON(w, http.StatusOK, view(handle, st))
}

// Reset handles POST /sessions/{handle}/reset
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	handle, _, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view(handle, h.ctrl.Reset(handle)))
}

// Species handles GET /species/{name}
func (h *SessionHandler) Species(w http.ResponseWriter, r *http.Request) {
	name := plant.NormalizeSpecies(chi.URLParam(r, "name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_name", "species name is required")
		return
	}
	info := h.ctrl.Lookup(r.Context(), name)
	status := http.StatusOK
	switch info.Source {
	case plant.SourceNotFound:
		status = http.StatusNotFound
	case plant.SourceError:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, info)
}

package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/zombor/docextract/internal/export"
	"github.com/zombor/docextract/internal/extraction"
	"github.com/zombor/docextract/internal/session"
	"github.com/zombor/docextract/internal/upload"
)

// maxUploadSize bounds the multipart form read from the browser
const maxUploadSize = int64(50 << 20) // 50MB

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// jsonError writes {"error": message} with the given status
func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// fieldResponse is a field as rendered by the page
type fieldResponse struct {
	Key               string   `json:"key"`
	Value             string   `json:"value"`
	Confidence        *float64 `json:"confidence"`
	DisplayConfidence float64  `json:"display_confidence"`
	LowConfidence     bool     `json:"low_confidence"`
}

type resultResponse struct {
	Text               string          `json:"text"`
	Fields             []fieldResponse `json:"fields"`
	LowConfidenceCount int             `json:"low_confidence_count"`
}

// stateResponse flattens a session.State for the page
type stateResponse struct {
	Phase    string          `json:"phase"`
	FileName string          `json:"file_name,omitempty"`
	Progress int             `json:"progress"`
	Error    string          `json:"error,omitempty"`
	Result   *resultResponse `json:"result,omitempty"`
}

func newStateResponse(st session.State) stateResponse {
	resp := stateResponse{
		Phase:    st.Phase().String(),
		FileName: st.FileName(),
		Progress: session.Progress(st),
		Error:    session.ErrorMessage(st),
	}

	if r := session.ResultOf(st); r != nil {
		resp.Result = newResultResponse(r)
	}
	return resp
}

func newResultResponse(r *extraction.Result) *resultResponse {
	fields := make([]fieldResponse, 0, len(r.Fields))
	for _, f := range r.Fields {
		fields = append(fields, fieldResponse{
			Key:               f.Key,
			Value:             f.Value,
			Confidence:        f.Confidence,
			DisplayConfidence: f.DisplayConfidence(),
			LowConfidence:     f.IsLowConfidence(),
		})
	}
	return &resultResponse{
		Text:               r.Text,
		Fields:             fields,
		LowConfidenceCount: r.LowConfidenceCount(),
	}
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// handleGetState returns the current session state
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newStateResponse(s.session.State()))
}

// handleUpload reads the selected file and starts a new session upload
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "File is too large. Maximum size is 50MB.", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile(upload.FormField)
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	s.session.SelectFile(s.ctx, &upload.BytesFile{FileName: header.Filename, Data: data})

	writeJSON(w, http.StatusAccepted, newStateResponse(s.session.State()))
}

// handleEditField replaces the value of one field
func (s *Server) handleEditField(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		jsonError(w, "Field index must be a number", http.StatusBadRequest)
		return
	}

	var req struct {
		Value *string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.session.EditField(index, *req.Value); err != nil {
		switch {
		case errors.Is(err, session.ErrNoResult):
			jsonError(w, "No extraction result to edit", http.StatusConflict)
		case errors.Is(err, extraction.ErrIndexOutOfRange):
			jsonError(w, err.Error(), http.StatusBadRequest)
		default:
			slog.Error("Error editing field", "index", index, "error", err)
			jsonError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, newStateResponse(s.session.State()))
}

// handleExport downloads the result as json, csv or xlsx
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var (
		artifact export.Artifact
		err      error
	)
	switch r.PathValue("format") {
	case "json":
		artifact, err = s.session.ExportJSON()
	case "csv":
		artifact, err = s.session.ExportCSV()
	case "xlsx":
		artifact, err = s.session.ExportXLSX()
	default:
		jsonError(w, "Unknown export format", http.StatusNotFound)
		return
	}
	if err != nil {
		if errors.Is(err, session.ErrNoResult) {
			jsonError(w, "No extraction result to export", http.StatusConflict)
			return
		}
		slog.Error("Error exporting result", "format", r.PathValue("format"), "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Name))
	w.Write(artifact.Data)
}

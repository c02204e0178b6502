package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bull/medassist/internal/auth"
	"github.com/bull/medassist/internal/domain"
	"github.com/bull/medassist/internal/store"
)

type messageResponse struct {
	Message string `json:"message"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type answerResponse struct {
	Response string   `json:"response"`
	Sources  []string `json:"sources,omitempty"`
}

// historyResponse lists [input, response] pairs, newest first.
type historyResponse struct {
	History [][2]string `json:"history"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, messageResponse{Message: "Multimodal Medical Assistant backend is running"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	email, password := r.FormValue("email"), r.FormValue("password")
	if _, err := s.opts.Auth.Register(r.Context(), email, password); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "User registered successfully"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	token, err := s.opts.Auth.Login(r.Context(), r.FormValue("email"), r.FormValue("password"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleQueryText(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	query := strings.TrimSpace(r.FormValue("query"))
	if query == "" {
		s.writeError(w, r, fmt.Errorf("%w: query is required", domain.ErrInvalidInput))
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()
	reply, err := s.opts.Assistant.AskText(ctx, userID, query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{Response: reply.Response, Sources: reply.Sources})
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	if err := s.parseUpload(w, r); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: file is required", domain.ErrInvalidInput))
		return
	}
	defer file.Close()

	ctx, cancel := s.requestContext(r)
	defer cancel()
	reply, err := s.opts.Assistant.AskImage(ctx, userID, header.Filename, file, r.FormValue("question"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{Response: reply.Response, Sources: reply.Sources})
}

func (s *Server) handleUploadPDF(w http.ResponseWriter, r *http.Request) {
	if err := s.parseUpload(w, r); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: file is required", domain.ErrInvalidInput))
		return
	}
	defer file.Close()

	s.logger.Info("PDF upload", "filename", header.Filename, "size", header.Size)

	ctx, cancel := s.requestContext(r)
	defer cancel()
	reply, err := s.opts.Assistant.SummarizePDF(ctx, userID, header.Filename, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{Response: reply.Response})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := store.DefaultHistoryLimit
	if v := r.FormValue("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidInput))
			return
		}
		limit = n
	}

	entries, err := s.opts.History.RecentQueryLogs(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := historyResponse{History: make([][2]string, 0, len(entries))}
	for _, e := range entries {
		resp.History = append(resp.History, [2]string{e.InputSummary, e.Response})
	}
	writeJSON(w, http.StatusOK, resp)
}

// authenticate reads the token from the "token" form field, falling back to
// an Authorization bearer header.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := r.FormValue("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return "", auth.ErrUnauthorized
	}
	return s.opts.Auth.Verify(token)
}

// parseUpload caps the body size and parses the multipart form.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return maxBytes
		}
		return fmt.Errorf("%w: multipart form: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

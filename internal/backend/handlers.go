package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"helpdesk/internal/alert"
	"helpdesk/internal/client"
	"helpdesk/internal/domain"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
)

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListTickets(r.Context())
	if err != nil {
		s.logger.Error("list tickets failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTicket(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTicketRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	switch req.Kind {
	case "":
		req.Kind = domain.KindChat
	case domain.KindChat, domain.KindTicket:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown type %q", req.Kind))
		return
	}

	t, err := s.store.CreateTicket(r.Context(), req)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.metrics.TicketCreated()
	s.notify(alert.Alert{
		Kind:     alert.KindTicketCreated,
		TicketID: t.ID,
		Name:     t.Name,
		Email:    t.Email,
		Content:  req.InitialMessage,
	})
	writeJSON(w, http.StatusCreated, t)
}

type appendBody struct {
	TicketID string `json:"ticketId"`
	Content  string `json:"content"`
	Sender   string `json:"sender"`
}

// handleAppendMessage accepts a multipart form with an optional file, or the
// same fields as JSON.
func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var (
		body        appendBody
		attachments []domain.Attachment
		stored      bool
	)
	defer func() {
		if !stored {
			for _, a := range attachments {
				s.uploads.Remove(a)
			}
		}
	}()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		limit := int64(10 << 20)
		if s.uploads != nil {
			limit = s.uploads.MaxBytes()
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		defer r.MultipartForm.RemoveAll()
		body = appendBody{
			TicketID: r.FormValue("ticketId"),
			Content:  r.FormValue("content"),
			Sender:   r.FormValue("sender"),
		}
		if file, hdr, err := r.FormFile("file"); err == nil {
			defer file.Close()
			if s.uploads == nil {
				writeError(w, http.StatusBadRequest, "uploads are disabled")
				return
			}
			a, err := s.uploads.Save(hdr.Filename, hdr.Header.Get("Content-Type"), file)
			if errors.Is(err, ErrTooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, err.Error())
				return
			}
			if err != nil {
				s.logger.Error("store upload failed", "err", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			attachments = append(attachments, a)
		} else if !errors.Is(err, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, "invalid file part")
			return
		}
	default:
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if body.TicketID == "" {
		writeError(w, http.StatusBadRequest, "ticketId is required")
		return
	}
	if body.Sender == "" {
		body.Sender = string(domain.SenderUser)
	}
	sender, err := domain.ParseSender(body.Sender)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.store.AppendMessage(r.Context(), body.TicketID, sender, body.Content, attachments)
	if err != nil {
		s.storeError(w, err)
		return
	}
	stored = true
	s.metrics.MessageAppended(string(sender))
	s.publish(r.Context(), body.TicketID)
	if sender.IsLocal() {
		s.notify(alert.Alert{Kind: alert.KindCustomerReply, TicketID: body.TicketID, Content: msg.Content})
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status, err := domain.ParseStatus(body.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateStatus(r.Context(), id, status); err != nil {
		s.storeError(w, err)
		return
	}
	t := s.publish(r.Context(), id)
	if t == nil {
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetTicket(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.hub.Serve(w, r, id, func() (*domain.Ticket, error) {
		return s.store.GetTicket(r.Context(), id)
	})
}

// handleChat streams the assistant's reply one word per frame.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages []domain.ChatTurn `json:"messages"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	reply := s.assistant.Reply(body.Messages)
	for i, chunk := range Chunks(reply) {
		if i > 0 && s.streamDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.streamDelay):
			}
		}
		frame, err := client.EncodeFrame(chunk)
		if err != nil {
			s.logger.Error("encode frame failed", "err", err)
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"tickets":     n,
		"pushClients": s.hub.Clients(),
		"started":     humanize.Time(s.started),
	})
}

// publish pushes the current snapshot of a ticket to subscribers.
func (s *Server) publish(ctx context.Context, id string) *domain.Ticket {
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		s.logger.Warn("reload ticket for push failed", "ticket", id, "err", err)
		return nil
	}
	s.hub.Publish(t)
	return t
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "ticket not found")
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrTicketClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrEmptyMessage), errors.Is(err, domain.ErrEmailRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("store operation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

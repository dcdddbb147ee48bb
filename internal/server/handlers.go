package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/chatwire/chatwire/internal/dispatch"
	"github.com/chatwire/chatwire/internal/server/middleware"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/pkg/wire"
)

const maxAttachmentBytes = 32 << 20

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type withUserRequest struct {
	WithUserID string `json:"with_user_id"`
}

// handleSendAttachment accepts a multipart upload, stores the blob, and
// runs the persist-first attachment path. Unlike send-text, validation and
// persistence failures here are client-visible.
func (a *App) handleSendAttachment(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())

	if err := r.ParseMultipartForm(maxAttachmentBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	receiverID := r.FormValue("receiver_id")
	if receiverID == "" {
		respondError(w, http.StatusBadRequest, "receiver_id is required")
		return
	}

	// The upload must be durable before the dispatch path runs.
	ref, err := a.attachments.Save(file, header.Filename)
	if err != nil {
		a.logger.Error("failed to store attachment", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to store attachment")
		return
	}

	msg, err := a.engine.SendAttachment(r.Context(), reqMeta.UserID, receiverID, ref, r.FormValue("body"))
	if err != nil {
		if errors.Is(err, dispatch.ErrValidation) {
			respondError(w, http.StatusBadRequest, "invalid attachment send")
			return
		}
		a.logger.Error("failed to send attachment", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to send attachment")
		return
	}

	respondJSON(w, http.StatusOK, apiResponse{
		Status:  "success",
		Message: "Attachment sent successfully",
		Data:    msg.Record(),
	})
}

func (a *App) handleGetAllMessages(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())

	var req withUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WithUserID == "" {
		respondError(w, http.StatusBadRequest, "with_user_id is required")
		return
	}

	messages, err := a.messages.ListConversation(r.Context(), reqMeta.UserID, req.WithUserID)
	if err != nil {
		a.logger.Error("failed to list conversation", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	records := make([]wire.MessageRecord, 0, len(messages))
	for _, msg := range messages {
		records = append(records, msg.Record())
	}
	respondJSON(w, http.StatusOK, apiResponse{
		Status:  "success",
		Message: "Messages fetched successfully",
		Data:    records,
	})
}

// handleMarkAsRead is the request/response variant of the targeted read
// path. A missing message is a 404 here where the real-time event is a
// silent no-op.
func (a *App) handleMarkAsRead(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageID")

	msg, err := a.messages.GetMessage(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Message not found")
			return
		}
		a.logger.Error("failed to load message", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to mark message as read")
		return
	}

	if err := a.readSync.MarkOneRead(r.Context(), messageID, msg.SenderID); err != nil {
		a.logger.Error("failed to mark message read", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to mark message as read")
		return
	}

	msg.IsRead = true
	respondJSON(w, http.StatusOK, apiResponse{
		Status:  "success",
		Message: "Message marked as read",
		Data:    msg.Record(),
	})
}

func (a *App) handleMarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	withUserID := r.PathValue("withUserID")

	count, err := a.readSync.MarkConversationRead(r.Context(), reqMeta.UserID, withUserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to mark messages as read")
		return
	}

	respondJSON(w, http.StatusOK, apiResponse{
		Status:  "success",
		Message: fmt.Sprintf("Marked %d messages as read", count),
		Data:    map[string]int64{"count": count},
	})
}

func (a *App) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())

	var req withUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WithUserID == "" {
		respondError(w, http.StatusBadRequest, "with_user_id is required")
		return
	}

	count, err := a.messages.DeleteConversation(r.Context(), reqMeta.UserID, req.WithUserID)
	if err != nil {
		a.logger.Error("failed to delete conversation", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}

	respondJSON(w, http.StatusOK, apiResponse{
		Status:  "success",
		Message: fmt.Sprintf("Deleted %d messages", count),
		Data:    map[string]int64{"count": count},
	})
}

func respondJSON(w http.ResponseWriter, code int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, apiResponse{Status: "error", Message: message})
}

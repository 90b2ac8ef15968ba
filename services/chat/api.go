package chat

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tradeloft/marketplace/internal/httputil"
)

// RegisterRoutes mounts the chat endpoints on an authenticated router.
func (s *Service) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/chat", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/chat/conversations", s.handleConversations).Methods(http.MethodGet)
	r.HandleFunc("/chat/conversations/{id}", s.handleMessages).Methods(http.MethodGet)
}

type sendRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	reply, err := s.Send(r.Context(), userID, req.ConversationID, req.Message)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, reply)
}

func (s *Service) handleConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	list, err := s.Conversations(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Service) handleMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	conv, msgs, err := s.Messages(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	})
}

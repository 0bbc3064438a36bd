package server

import (
	"log"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"eleutherios/internal/engine"
)

const (
	streamPollInterval = 1 * time.Second
	streamBatch        = 100
	streamWriteWait    = 10 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// same-origin policy is left to the deployment; the API itself is
	// token-authenticated
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerStream exposes a websocket transcript feed per forum. New
// messages are pushed in creation order; the optional cursor query
// resumes after a known message.
func registerStream(r chi.Router, basePath string, e engine.Engine) {
	route := path.Join(basePath, "/forums/{forum_id}/stream")
	r.Get(route, func(w http.ResponseWriter, req *http.Request) {
		forumID := chi.URLParam(req, "forum_id")
		if _, err := e.Repo.GetForum(req.Context(), forumID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		var afterSeq int64
		if raw := req.URL.Query().Get("after"); raw != "" {
			afterSeq, _ = strconv.ParseInt(raw, 10, 64)
		}

		conn, err := streamUpgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx := req.Context()
		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()
		for {
			msgs, err := e.Repo.MessagesAfter(ctx, forumID, afterSeq, streamBatch)
			if err != nil {
				log.Printf("stream: fetch messages for %s: %v", forumID, err)
				return
			}
			for _, m := range msgs {
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(m); err != nil {
					return
				}
				afterSeq = m.Seq
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

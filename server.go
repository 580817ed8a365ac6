package lopata

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// webSocketBody marks an *http.Response as a websocket upgrade carrying
// the client end of a pair. It satisfies io.ReadCloser so the response
// still looks like a normal response to non-websocket callers.
type webSocketBody struct {
	ws *WebSocket
}

func (b *webSocketBody) Read([]byte) (int, error) { return 0, io.EOF }
func (b *webSocketBody) Close() error             { return nil }

// NewWebSocketResponse wraps the client end of a pair as a 101 response
// for the fetch handler to return. The server bridges it to the real
// network connection.
func NewWebSocketResponse(client *WebSocket) *http.Response {
	return &http.Response{
		StatusCode: http.StatusSwitchingProtocols,
		Header:     http.Header{},
		Body:       &webSocketBody{ws: client},
	}
}

// Server is the local HTTP front of the emulator: application traffic
// on every path, plus the manual-trigger and inspection endpoints.
type Server struct {
	rt  *Runtime
	log *slog.Logger
	srv *http.Server
}

// NewServer builds the server around a runtime.
func NewServer(rt *Runtime, cfg *ServerConfig, log *slog.Logger) *Server {
	s := &Server{rt: rt, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/__scheduled", s.handleScheduled)
	r.Route("/__inspect", func(r chi.Router) {
		r.Get("/traces", s.handleTraces)
		r.Get("/errors", s.handleErrors)
		r.Get("/emails", s.handleEmails)
		r.Get("/queues", s.handleQueues)
		r.Get("/workflows", s.handleWorkflows)
	})
	r.HandleFunc("/*", s.handleFetch)

	s.srv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving traffic until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleFetch(w http.ResponseWriter, req *http.Request) {
	if err := decodeRequestBody(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.rt.HandleFetch(req.Context(), req)
	if err != nil {
		s.log.Error("fetch handler failed", "method", req.Method, "path", req.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if resp == nil {
		http.Error(w, "fetch handler returned no response", http.StatusInternalServerError)
		return
	}
	if wsBody, ok := resp.Body.(*webSocketBody); ok {
		s.bridgeWebSocket(w, req, wsBody.ws)
		return
	}

	var body []byte
	if resp.Body != nil {
		body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			s.log.Error("reading handler response", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if err := compressResponse(w, req, resp.StatusCode, resp.Header, body); err != nil {
		s.log.Error("writing response", "error", err)
	}
}

// bridgeWebSocket upgrades the network connection and pumps frames
// between it and the client end of the in-process pair.
func (s *Server) bridgeWebSocket(w http.ResponseWriter, req *http.Request, client *WebSocket) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "path", req.URL.Path, "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.SetMessageHandler(func(data any) {
		switch v := data.(type) {
		case string:
			_ = conn.Write(ctx, websocket.MessageText, []byte(v))
		case []byte:
			_ = conn.Write(ctx, websocket.MessageBinary, v)
		}
	})
	client.SetCloseHandler(func(code int, reason string) {
		_ = conn.Close(websocket.StatusCode(code), reason)
		cancel()
	})
	client.Accept()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 {
				status = websocket.StatusAbnormalClosure
			}
			client.Close(int(status), "")
			return
		}
		if typ == websocket.MessageText {
			_ = client.Send(string(data))
		} else {
			_ = client.Send(data)
		}
	}
}

func (s *Server) handleScheduled(w http.ResponseWriter, req *http.Request) {
	expr := req.URL.Query().Get("cron")
	if expr == "" {
		expr = "* * * * *"
	}
	at := time.Now().UTC()
	if raw := req.URL.Query().Get("time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "time must be RFC 3339", http.StatusBadRequest)
			return
		}
		at = t.UTC()
	}
	if err := s.rt.TriggerScheduled(req.Context(), expr, at); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"outcome": "ok", "cron": expr, "scheduledTime": at.Format(time.RFC3339)})
}

func (s *Server) handleTraces(w http.ResponseWriter, req *http.Request) {
	rows, err := s.rt.Store().DB.QueryContext(req.Context(),
		`SELECT trace_id, span_id, parent_span_id, name, kind, status, start_time, end_time, attributes
		 FROM spans ORDER BY start_time DESC LIMIT 200`)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()
	type span struct {
		TraceID    string          `json:"traceId"`
		SpanID     string          `json:"spanId"`
		ParentID   *string         `json:"parentSpanId,omitempty"`
		Name       string          `json:"name"`
		Kind       string          `json:"kind"`
		Status     string          `json:"status"`
		StartTime  int64           `json:"startTime"`
		EndTime    int64           `json:"endTime"`
		Attributes json.RawMessage `json:"attributes"`
	}
	var spans []span
	for rows.Next() {
		var sp span
		var attrs string
		if err := rows.Scan(&sp.TraceID, &sp.SpanID, &sp.ParentID, &sp.Name, &sp.Kind, &sp.Status,
			&sp.StartTime, &sp.EndTime, &attrs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sp.Attributes = json.RawMessage(attrs)
		spans = append(spans, sp)
	}
	writeJSON(w, map[string]any{"spans": spans})
}

func (s *Server) handleErrors(w http.ResponseWriter, req *http.Request) {
	rows, err := s.rt.Store().DB.QueryContext(req.Context(),
		`SELECT trace_id, span_id, message, stack, created_at FROM error_log ORDER BY created_at DESC LIMIT 200`)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()
	type entry struct {
		TraceID   *string `json:"traceId,omitempty"`
		SpanID    *string `json:"spanId,omitempty"`
		Message   string  `json:"message"`
		Stack     string  `json:"stack,omitempty"`
		CreatedAt int64   `json:"createdAt"`
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.TraceID, &e.SpanID, &e.Message, &e.Stack, &e.CreatedAt); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		entries = append(entries, e)
	}
	writeJSON(w, map[string]any{"errors": entries})
}

func (s *Server) handleEmails(w http.ResponseWriter, req *http.Request) {
	rows, err := s.rt.Store().DB.QueryContext(req.Context(),
		`SELECT id, mail_from, rcpt_to, created_at FROM email_messages ORDER BY created_at DESC LIMIT 200`)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()
	type email struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		To        string `json:"to"`
		CreatedAt int64  `json:"createdAt"`
	}
	var emails []email
	for rows.Next() {
		var e email
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.CreatedAt); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		emails = append(emails, e)
	}
	writeJSON(w, map[string]any{"emails": emails})
}

func (s *Server) handleQueues(w http.ResponseWriter, req *http.Request) {
	rows, err := s.rt.Store().DB.QueryContext(req.Context(),
		`SELECT queue, status, COUNT(*) FROM queue_messages GROUP BY queue, status ORDER BY queue`)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()
	type count struct {
		Queue  string `json:"queue"`
		Status string `json:"status"`
		Count  int    `json:"count"`
	}
	var counts []count
	for rows.Next() {
		var c count
		if err := rows.Scan(&c.Queue, &c.Status, &c.Count); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		counts = append(counts, c)
	}
	writeJSON(w, map[string]any{"queues": counts})
}

func (s *Server) handleWorkflows(w http.ResponseWriter, req *http.Request) {
	rows, err := s.rt.Store().DB.QueryContext(req.Context(),
		`SELECT workflow, id, status, created_at, updated_at FROM workflow_instances
		 ORDER BY updated_at DESC LIMIT 200`)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()
	type inst struct {
		Workflow  string `json:"workflow"`
		ID        string `json:"id"`
		Status    string `json:"status"`
		CreatedAt int64  `json:"createdAt"`
		UpdatedAt int64  `json:"updatedAt"`
	}
	var instances []inst
	for rows.Next() {
		var i inst
		if err := rows.Scan(&i.Workflow, &i.ID, &i.Status, &i.CreatedAt, &i.UpdatedAt); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		instances = append(instances, i)
	}
	writeJSON(w, map[string]any{"instances": instances})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

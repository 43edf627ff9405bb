package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zapuskalka/companion/internal/infrastructure/logging"
	"github.com/zapuskalka/companion/internal/infrastructure/monitoring"
	"github.com/zapuskalka/companion/internal/transfer"
)

const (
	// progressBacklog is how many samples may queue per transfer before
	// the oldest are dropped.
	progressBacklog = 256
	outboundBacklog = 64
	writeTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	// The companion listens on localhost for the launcher webview.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Request is a client message.
type Request struct {
	Type string `json:"type"`
	// RequestID is echoed back so clients can match replies.
	RequestID string `json:"request_id,omitempty"`

	// Path is the source folder (compress), the archive (extract) or the
	// file to send (upload).
	Path        string   `json:"path,omitempty"`
	Destination string   `json:"destination,omitempty"`
	URL         string   `json:"url,omitempty"`
	Token       string   `json:"token,omitempty"`
	Format      string   `json:"format,omitempty"`
	Exclude     []string `json:"exclude,omitempty"`
}

// Message is a server message.
type Message struct {
	Type       string                   `json:"type"`
	RequestID  string                   `json:"request_id,omitempty"`
	TransferID string                   `json:"transfer_id,omitempty"`
	Operation  string                   `json:"operation,omitempty"`
	Progress   *transfer.ProgressSample `json:"progress,omitempty"`
	Result     any                      `json:"result,omitempty"`
	Message    string                   `json:"message,omitempty"`
	StatusCode int                      `json:"status_code,omitempty"`
	Timestamp  int64                    `json:"timestamp"`
}

// Handler runs transfers requested over WebSocket connections and streams
// their progress back.
type Handler struct {
	archiver *transfer.Archiver
	uploader *transfer.Uploader
	metrics  *monitoring.Metrics
	logger   *zap.Logger

	// MaxUploadBytesPerSecond throttles uploads when positive.
	MaxUploadBytesPerSecond int

	// Transfers outlive their connection; only Close cancels them.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a new WebSocket handler
func NewHandler(archiver *transfer.Archiver, uploader *transfer.Uploader, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		archiver: archiver,
		uploader: uploader,
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close cancels running transfers and waits for them to return.
func (h *Handler) Close() error {
	h.cancel()
	h.wg.Wait()
	return nil
}

// HandleConnection handles WebSocket upgrade and messages
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	s := newSession(conn, h.logger)
	go s.writeLoop()
	defer s.close()

	s.send(Message{Type: "system", Message: "Connected to Zapuskalka companion"})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		var req Request
		if err := sonic.Unmarshal(data, &req); err != nil {
			s.sendError(Message{}, "malformed message")
			continue
		}

		switch req.Type {
		case "compress", "extract", "upload":
			if err := validate(req); err != nil {
				s.sendError(Message{RequestID: req.RequestID, Operation: req.Type}, err.Error())
				continue
			}
			h.start(s, req)
		case "ping":
			s.send(Message{Type: "pong", RequestID: req.RequestID})
		default:
			s.sendError(Message{RequestID: req.RequestID}, "unknown message type")
		}
	}
}

func validate(req Request) error {
	if req.Path == "" {
		return errors.New("path is required")
	}
	switch req.Type {
	case "extract":
		if req.Destination == "" {
			return errors.New("destination is required")
		}
	case "upload":
		if req.URL == "" {
			return errors.New("url is required")
		}
	}
	return nil
}

// start runs one transfer in the background. Progress is forwarded in order
// and always precedes the terminal complete or error message.
func (h *Handler) start(s *session, req Request) {
	base := Message{
		RequestID:  req.RequestID,
		TransferID: uuid.NewString(),
		Operation:  req.Type,
	}

	accepted := base
	accepted.Type = "accepted"
	s.send(accepted)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		samples := make(chan transfer.ProgressSample, progressBacklog)
		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for sample := range samples {
				msg := base
				msg.Type = "progress"
				msg.Progress = &sample
				s.send(msg)
			}
		}()

		result, err := h.run(h.ctx, req, transfer.ChannelSink(samples))
		close(samples)
		<-forwarded

		if err != nil {
			logging.ForTransfer(h.logger, req.Type, base.TransferID).Warn("Transfer failed", zap.Error(err))
			msg := base
			var uploadErr *transfer.UploadError
			if errors.As(err, &uploadErr) {
				msg.StatusCode = uploadErr.StatusCode
			}
			s.sendError(msg, err.Error())
			return
		}

		msg := base
		msg.Type = "complete"
		msg.Result = result
		s.send(msg)
	}()
}

func (h *Handler) run(ctx context.Context, req Request, sink transfer.ProgressSink) (any, error) {
	switch req.Type {
	case "compress":
		format, err := transfer.ParseFormat(req.Format)
		if err != nil {
			return nil, err
		}
		return h.archiver.Compress(ctx, req.Path, sink, transfer.CompressOptions{
			Format:  format,
			Exclude: req.Exclude,
		})

	case "extract":
		opts := transfer.ExtractOptions{}
		if req.Format != "" {
			format, err := transfer.ParseFormat(req.Format)
			if err != nil {
				return nil, err
			}
			opts.Format = &format
		}
		if err := h.archiver.ExtractArchive(ctx, req.Path, req.Destination, sink, opts); err != nil {
			return nil, err
		}
		return gin.H{"destination": req.Destination}, nil

	case "upload":
		err := h.uploader.UploadFile(ctx, req.URL, req.Path, sink, transfer.UploadOptions{
			Token:             req.Token,
			MaxBytesPerSecond: h.MaxUploadBytesPerSecond,
		})
		if err != nil {
			return nil, err
		}
		return gin.H{"url": req.URL}, nil
	}
	return nil, errors.New("unknown transfer type")
}

// session serializes writes to one connection.
type session struct {
	conn   *websocket.Conn
	logger *zap.Logger

	out    chan Message
	closed chan struct{}
	once   sync.Once
}

func newSession(conn *websocket.Conn, logger *zap.Logger) *session {
	return &session{
		conn:   conn,
		logger: logger,
		out:    make(chan Message, outboundBacklog),
		closed: make(chan struct{}),
	}
}

// send queues msg. Messages for a closed connection are dropped.
func (s *session) send(msg Message) {
	msg.Timestamp = time.Now().Unix()
	select {
	case s.out <- msg:
	case <-s.closed:
	}
}

func (s *session) sendError(msg Message, text string) {
	msg.Type = "error"
	msg.Message = text
	s.send(msg)
}

func (s *session) close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *session) writeLoop() {
	for {
		select {
		case msg := <-s.out:
			data, err := sonic.Marshal(msg)
			if err != nil {
				s.logger.Error("Failed to encode message", zap.Error(err))
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("WebSocket write failed", zap.Error(err))
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

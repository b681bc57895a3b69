package api

import (
	"log/slog"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/adverant/nexus-core/pkg/config"
)

// handleWS upgrades GET /ws and hands the connection to the stream hub.
// HandleConnection blocks until the socket closes.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, wsAcceptOptions(s.cfg))
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}

	s.hub.HandleConnection(c.Request.Context(), conn)
}

// wsAcceptOptions builds the upgrade options: origin checking from the
// system allow-list and per-message compression above the configured
// payload threshold.
func wsAcceptOptions(cfg *config.Config) *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	if len(cfg.System.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = cfg.System.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}
	if cfg.Stream.CompressionMinBytes > 0 {
		opts.CompressionMode = websocket.CompressionContextTakeover
		opts.CompressionThreshold = cfg.Stream.CompressionMinBytes
	}
	return opts
}
